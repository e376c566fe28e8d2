package syncengine

import (
	"context"
	"sync"

	"github.com/surrealdb/notetree/pkg/models"
)

// Edit is an optimistic change to one record of a live list.
type Edit struct {
	Level models.Level
	ID    string
	// Remove hides the record.
	Remove bool
	// Patch overrides stored fields; nil values drop a field.
	Patch map[string]any
}

// MutationState is the lifecycle of an optimistic mutation.
type MutationState int

const (
	Pending MutationState = iota
	Committed
	RolledBack
)

func (s MutationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Mutation tracks one optimistic edit until its store write settles.
type Mutation struct {
	Edit Edit

	mu    sync.Mutex
	state MutationState
	err   error
	done  chan struct{}
}

// State returns the current state.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the commit error once rolled back.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the mutation leaves Pending.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the mutation settles and returns the commit error.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutation) settle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = RolledBack
		m.err = err
	} else {
		m.state = Committed
	}
	close(m.done)
}

// Mutate applies edit to the live view right away and runs commit in the
// background. When commit fails the edit is rolled back and the view from
// before the edit is restored; when it succeeds the edit is dropped and
// the store echo carries the committed data.
//
// The edit fails immediately when its level is not watched.
func (e *Engine) Mutate(ctx context.Context, edit Edit, commit func(context.Context) error) (*Mutation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.nextMut++
	id := e.nextMut
	e.mu.Unlock()

	var (
		restore func(rollback bool)
		err     error
	)
	switch edit.Level {
	case models.LevelWorkspace:
		restore, err = e.workspaces.applyEdit(id, edit)
	case models.LevelNotebook:
		restore, err = e.notebooks.applyEdit(id, edit)
	case models.LevelSection:
		restore, err = e.sections.applyEdit(id, edit)
	case models.LevelTopic:
		restore, err = e.topics.applyEdit(id, edit)
	case models.LevelPage:
		restore, err = e.pages.applyEdit(id, edit)
	default:
		err = models.Invalid("mutate", "unknown level %d", int(edit.Level))
	}
	if err != nil {
		return nil, err
	}

	m := &Mutation{Edit: edit, state: Pending, done: make(chan struct{})}
	go func() {
		cerr := commit(context.WithoutCancel(ctx))
		if cerr != nil {
			e.logger.Warn().Err(cerr).Str("level", edit.Level.String()).Str("id", edit.ID).Msg("optimistic edit rolled back")
		}
		restore(cerr != nil)
		m.settle(cerr)
	}()
	return m, nil
}
