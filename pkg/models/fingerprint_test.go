package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkspaceFingerprintTracksRoles(t *testing.T) {
	w := Workspace{Node: Node{ID: "w1", Name: "Home"}, Members: map[string]Role{"bob": RoleEditor, "carol": RoleViewer}}
	same := Workspace{Node: Node{ID: "w1", Name: "Home"}, Members: map[string]Role{"carol": RoleViewer, "bob": RoleEditor}}
	require.Equal(t, w.Fingerprint(), same.Fingerprint())

	demoted := same
	demoted.Members = map[string]Role{"bob": RoleViewer, "carol": RoleViewer}
	require.NotEqual(t, w.Fingerprint(), demoted.Fingerprint())
}
