// Package store provides an in-memory commit store. It backs tests and
// small deployments; durable stores implement the same interface outside
// this module.
package store

import (
	"iter"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/marcomow/goatdb/authz"
	"github.com/marcomow/goatdb/syncer"
)

type repo struct {
	commits map[string]*syncer.Commit
	order   []string // insertion order, drives scan order
}

// MemStore keeps commits per repository in memory. Scans yield commits in
// insertion order over a snapshot taken at scan start, so a scan never
// observes a half-applied insert.
type MemStore struct {
	orgID string
	clock clockwork.Clock

	mu    sync.RWMutex
	repos map[string]*repo
}

// Opt configures a MemStore.
type Opt func(*MemStore)

// WithClock sets the clock used to stamp and expire commits.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *MemStore) { s.clock = clock }
}

// NewMemStore creates an empty store scoped to an org.
func NewMemStore(orgID string, opts ...Opt) *MemStore {
	s := &MemStore{
		orgID: orgID,
		clock: clockwork.NewRealClock(),
		repos: make(map[string]*repo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OrgID returns the org this store is scoped to.
func (s *MemStore) OrgID() string { return s.orgID }

func (s *MemStore) repoLocked(repoID string) *repo {
	r, ok := s.repos[repoID]
	if !ok {
		r = &repo{commits: make(map[string]*syncer.Commit)}
		s.repos[repoID] = r
	}
	return r
}

// PutCommit inserts a commit, idempotent on commit ID. A commit without a
// creation time is stamped with the current one.
func (s *MemStore) PutCommit(repoID string, c *syncer.Commit) (syncer.PutResult, error) {
	repoID = authz.Normalize(repoID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repoLocked(repoID)
	if _, ok := r.commits[c.ID]; ok {
		return syncer.Duplicate, nil
	}
	if c.Created.IsZero() {
		cc := *c
		cc.Created = s.clock.Now()
		c = &cc
	}
	r.commits[c.ID] = c
	r.order = append(r.order, c.ID)
	return syncer.Inserted, nil
}

// HasCommit reports whether the repository holds the commit.
func (s *MemStore) HasCommit(repoID, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[authz.Normalize(repoID)]
	if !ok {
		return false, nil
	}
	_, ok = r.commits[id]
	return ok, nil
}

// Scan yields (id, commit) pairs in insertion order.
func (s *MemStore) Scan(repoID string) iter.Seq2[string, *syncer.Commit] {
	return func(yield func(string, *syncer.Commit) bool) {
		s.mu.RLock()
		r, ok := s.repos[authz.Normalize(repoID)]
		var snapshot []*syncer.Commit
		if ok {
			snapshot = make([]*syncer.Commit, 0, len(r.order))
			for _, id := range r.order {
				snapshot = append(snapshot, r.commits[id])
			}
		}
		s.mu.RUnlock()
		for _, c := range snapshot {
			if !yield(c.ID, c) {
				return
			}
		}
	}
}

// NumCommits returns the number of commits in the repository.
func (s *MemStore) NumCommits(repoID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[authz.Normalize(repoID)]
	if !ok {
		return 0
	}
	return len(r.commits)
}

// PruneExpired drops commits older than ttl from every repository and
// returns how many were dropped.
func (s *MemStore) PruneExpired(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, r := range s.repos {
		kept := r.order[:0]
		for _, id := range r.order {
			if c := r.commits[id]; c.Created.Before(cutoff) {
				delete(r.commits, id)
				dropped++
				continue
			}
			kept = append(kept, id)
		}
		r.order = kept
	}
	return dropped
}
