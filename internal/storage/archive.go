package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jjudge-oj/authgate/types"
)

const archivePrefix = "deleted-users/"

// Snapshot is the archived form of a deleted mirror record.
type Snapshot struct {
	User      types.User `json:"user"`
	DeletedAt time.Time  `json:"deleted_at"`
}

// Archiver keeps a JSON snapshot of every user removed from the mirror.
type Archiver struct {
	store ObjectStorage
	now   func() time.Time
}

func NewArchiver(store ObjectStorage) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("storage: archiver requires a backend")
	}
	return &Archiver{store: store, now: time.Now}, nil
}

// ArchiveKey returns the object key for the user's snapshot.
func ArchiveKey(id string) string {
	return archivePrefix + url.PathEscape(id) + ".json"
}

// Archive writes the snapshot for user. Archiving the same id again replaces
// the previous snapshot.
func (a *Archiver) Archive(ctx context.Context, user types.User) error {
	deletedAt := a.now().UTC()
	data, err := json.Marshal(Snapshot{User: user, DeletedAt: deletedAt})
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	key := ArchiveKey(user.ID)
	attrs := Attrs{
		ContentType: "application/json",
		Metadata: map[string]string{
			"user-id":    user.ID,
			"deleted-at": deletedAt.Format(time.RFC3339),
		},
	}
	if err := a.store.Put(ctx, key, data, attrs); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Load reads the snapshot archived for id.
func (a *Archiver) Load(ctx context.Context, id string) (Snapshot, error) {
	key := ArchiveKey(id)
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return snap, nil
}

// Forget removes the snapshot archived for id. Forgetting an id with no
// snapshot succeeds.
func (a *Archiver) Forget(ctx context.Context, id string) error {
	key := ArchiveKey(id)
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}
