package observe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueNotifiesOnChange(t *testing.T) {
	v := NewValue("a", Comparable[string]())
	var got []string
	cancel := v.Subscribe(func(s string) { got = append(got, s) })

	require.True(t, v.Set("b"))
	require.False(t, v.Set("b"))
	require.True(t, v.Update(func(s string) string { return s + "c" }))
	require.Equal(t, []string{"a", "b", "bc"}, got)

	cancel()
	v.Set("d")
	require.Equal(t, "d", v.Get())
	require.Len(t, got, 3)
}

func TestValueEndsOnLatest(t *testing.T) {
	v := NewValue(0, Comparable[int]())
	var mu sync.Mutex
	last := -1
	v.Subscribe(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		require.GreaterOrEqual(t, n, last)
		last = n
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(n int) int { return n + 1 })
		}()
	}
	wg.Wait()
	require.Equal(t, 50, v.Get())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, last)
}
