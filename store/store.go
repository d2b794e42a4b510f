// Package store is the durable object store: canonical documents plus a
// best-effort change feed. The substrate core consumes this interface and
// assumes nothing about the backing engine beyond bare document CRUD.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("store is closed")

// Ref is an object reference as it appears in persisted property values.
// At the wrapper layer a resolved reference is a live handle; here it is
// always just the identifier.
type Ref struct {
	ID int64
}

// Method is a stored method definition: editable source text plus flags.
type Method struct {
	Source   string   `json:"source"`
	Callable bool     `json:"callable,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	Help     string   `json:"help,omitempty"`
}

// Document is the canonical persisted unit: one object.
type Document struct {
	ID         int64
	Parent     int64
	Properties map[string]any
	Methods    map[string]*Method
	Recycled   bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// ChangeOp is the kind of mutation reported by the change feed.
type ChangeOp string

const (
	OpUpdate  ChangeOp = "update"
	OpReplace ChangeOp = "replace"
	OpDelete  ChangeOp = "delete"
)

// ChangeEvent is one entry from the change feed. Events describe mutations
// made by other processes; a store never reports its own writes.
type ChangeEvent struct {
	Op ChangeOp
	ID int64
}

// Store is the durable document store consumed by the substrate core.
//
// Get returns (nil, nil) for ids that do not exist or are recycled;
// not-found is a result, never an error. Watch delivers change events made
// by other processes until ctx is cancelled. No operation spans more than
// one document atomically.
type Store interface {
	Get(ctx context.Context, id int64) (*Document, error)
	Create(ctx context.Context, doc *Document) error
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id int64) error
	Recycle(ctx context.Context, id int64) error
	NextID(ctx context.Context) (int64, error)
	Children(ctx context.Context, parent int64) ([]*Document, error)
	ListAll(ctx context.Context, includeRecycled bool) ([]*Document, error)
	Watch(ctx context.Context, fn func(ChangeEvent)) error
	Close() error
}
