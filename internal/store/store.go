// Package store provides whole-document persistence for the on-device
// agent and session collections. Each collection is serialized as a single
// JSON document under a fixed key and read or written atomically as a
// whole; callers reload the document, apply their delta and write it back.
package store

import (
	"context"

	xerrors "AgentVault/internal/errors"
)

// Well-known document keys.
const (
	KeyAgents   = "agents"
	KeySessions = "sessions"
)

// ErrKeyNotFound is returned by Read when no document exists under a key.
var ErrKeyNotFound = xerrors.New(xerrors.CodeNotFound, "document not found")

// DocumentStore persists opaque JSON documents under fixed keys.
// Implementations must be safe for concurrent use; each Read and Write is
// atomic with respect to the whole document.
type DocumentStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, body []byte) error
	Close() error
}
