package relay

import (
	"context"
	"strings"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/store"
)

// CursorStore persists the id of the last delivered entry so a restarted
// relay resumes where it stopped instead of at the log's tail.
type CursorStore interface {
	// Load returns the saved id; found is false when nothing was saved yet.
	Load(ctx context.Context) (id string, found bool, err error)
	Save(ctx context.Context, id string) error
}

// KeyedCursor keeps the cursor in a KeyedStore under
// <namespace>:relay:<name>:cursor.
type KeyedCursor struct {
	store store.KeyedStore
	key   string
}

// NewKeyedCursor returns a CursorStore for the named relay of namespace.
func NewKeyedCursor(st store.KeyedStore, namespace, name string) *KeyedCursor {
	return &KeyedCursor{store: st, key: conversation.RelayCursorKey(namespace, name)}
}

// Key returns the key the cursor is stored under.
func (c *KeyedCursor) Key() string { return c.key }

func (c *KeyedCursor) Load(ctx context.Context) (string, bool, error) {
	v, ok, err := c.store.Get(ctx, c.key)
	if err != nil || !ok {
		return "", false, err
	}
	id := strings.TrimSpace(string(v))
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

func (c *KeyedCursor) Save(ctx context.Context, id string) error {
	return c.store.Set(ctx, c.key, []byte(id))
}
