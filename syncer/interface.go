package syncer

import (
	"iter"
	"time"

	"github.com/marcomow/goatdb/registry"
)

// Commit is an immutable, content-addressed record in a repository. Once
// constructed it is never rewritten; peers converge by copying commits they
// lack, never by mutating ones they hold.
type Commit struct {
	// ID is stable and globally unique within an organization.
	ID string
	// Key is the item inside the repository the commit belongs to.
	// Authorization is evaluated per item.
	Key string
	// SchemaMarker is "<ns>/<version>" or the literal "null". It is
	// preserved verbatim even when the payload has been upgraded, so a
	// later process with a fuller registry can recognize the origin.
	SchemaMarker string
	// Payload is the opaque commit body.
	Payload registry.Data
	// Created is the construction time. Commits older than the configured
	// TTL fall out of the sync window.
	Created time.Time
}

// PutResult reports what PutCommit did with a commit.
type PutResult int

const (
	Inserted PutResult = iota
	Duplicate
)

// Store is the commit store the engine drives. The engine only iterates
// and inserts; storage, durability and the commit graph live behind this
// interface.
type Store interface {
	// OrgID scopes every exchange this store participates in.
	OrgID() string
	// Scan lazily yields (id, commit) pairs of a repository.
	Scan(repoID string) iter.Seq2[string, *Commit]
	// HasCommit reports whether the repository holds the commit.
	HasCommit(repoID, id string) (bool, error)
	// PutCommit inserts a commit, idempotent on commit ID.
	PutCommit(repoID string, c *Commit) (PutResult, error)
}
