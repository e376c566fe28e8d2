// Package content keeps page bodies outside the tree so list
// subscriptions never carry them.
package content

import (
	"context"
	"time"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// Store reads and writes content blobs under content/{page}.
type Store struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Store {
	return &Store{store: st, now: time.Now}
}

// Get returns the blob of a page. A page without content yields an
// empty blob and no error.
func (s *Store) Get(ctx context.Context, pageID string) (*models.ContentBlob, error) {
	v, err := s.store.Read(ctx, paths.Content(pageID))
	if err != nil {
		return nil, err
	}
	var blob models.ContentBlob
	if v == nil {
		return &blob, nil
	}
	if err := store.Decode(v, &blob); err != nil {
		return nil, models.WrapStore("decode", paths.Content(pageID), err)
	}
	return &blob, nil
}

// GetContent returns only the body text.
func (s *Store) GetContent(ctx context.Context, pageID string) (string, error) {
	blob, err := s.Get(ctx, pageID)
	if err != nil {
		return "", err
	}
	return blob.Content, nil
}

func (s *Store) SetContent(ctx context.Context, pageID, body, owner string) error {
	v, err := store.Encode(models.ContentBlob{Content: body, Owner: owner, UpdatedAt: s.now()})
	if err != nil {
		return err
	}
	return s.store.Write(ctx, paths.Content(pageID), v)
}

func (s *Store) DeleteContent(ctx context.Context, pageID string) error {
	return s.store.Delete(ctx, paths.Content(pageID))
}
