// Package registry maintains the schema identities of stored objects and
// upgrades payloads forward through per-namespace version chains on read.
//
// Each namespace holds a dense chain of versions from 1 up to the latest.
// An object read at an old version is walked through every intermediate
// upgrader before it reaches the caller; a gap in the chain fails the walk
// so a skipped migration can never silently drop data.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidSchema is returned when registering a malformed schema.
	ErrInvalidSchema = errors.New("registry: invalid schema")
	// ErrMissingVersion is returned when an upgrade walk hits a version gap.
	ErrMissingVersion = errors.New("registry: missing intermediate version")
	// ErrUnknownSchema is returned when an upgrade target is not registered.
	ErrUnknownSchema = errors.New("registry: unknown schema")
)

// Built-in namespaces backing the system repositories. They are registered
// at construction and are always resolvable.
const (
	NSSession   = "Session"
	NSUser      = "User"
	NSUserStats = "UserStats"
)

const decodeCacheSize = 128

// Registry maps namespaces to their version chains. It is read-mostly:
// registrations happen at startup, lookups happen per commit read.
type Registry struct {
	mu   sync.RWMutex
	byNS map[string][]*Schema // sorted by descending version

	decodeCache *lru.Cache[string, *Schema]
}

// New creates a registry with the built-in namespaces registered.
func New() *Registry {
	cache, err := lru.New[string, *Schema](decodeCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	r := &Registry{
		byNS:        make(map[string][]*Schema),
		decodeCache: cache,
	}
	for _, ns := range []string{NSSession, NSUser, NSUserStats} {
		if err := r.Register(&Schema{NS: ns, Version: 1}); err != nil {
			panic(err)
		}
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry. Prefer constructing and passing
// an explicit Registry; Default exists for callers without one.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// Register inserts a schema into its namespace chain, keeping the chain
// sorted by descending version. Registering an already-known (ns, version)
// pair is a no-op.
func (r *Registry) Register(s *Schema) error {
	if err := validate(s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.byNS[s.NS]
	i, found := slices.BinarySearchFunc(chain, s.Version, func(e *Schema, v int) int {
		return v - e.Version // descending order
	})
	if found {
		return nil
	}
	r.byNS[s.NS] = slices.Insert(chain, i, s)
	r.decodeCache.Purge()
	return nil
}

// Get returns the named version of a namespace, or nil if unknown.
func (r *Registry) Get(ns string, version int) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byNS[ns] {
		if s.Version == version {
			return s
		}
	}
	return nil
}

// Latest returns the highest registered version of a namespace, or nil if
// the namespace is unknown.
func (r *Registry) Latest(ns string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if chain := r.byNS[ns]; len(chain) > 0 {
		return chain[0]
	}
	return nil
}

// Decode resolves a schema marker against the registry. The null marker
// resolves to Null; an unknown or malformed marker returns (nil, false).
// Decode sits on the per-commit read path and caches resolutions.
func (r *Registry) Decode(marker string) (*Schema, bool) {
	if s, ok := r.decodeCache.Get(marker); ok {
		return s, s != nil
	}
	ns, version, ok := ParseMarker(marker)
	if !ok {
		return nil, false
	}
	if ns == "" {
		r.decodeCache.Add(marker, Null)
		return Null, true
	}
	s := r.Get(ns, version)
	r.decodeCache.Add(marker, s)
	return s, s != nil
}

// Upgrade walks data forward from the version after from up to target, or
// to the latest version of from's namespace when target is nil. The input
// is cloned before the first step, so a failed partial walk never mutates
// caller-owned storage.
//
// A null from with no target returns the data unchanged under the null
// schema. A gap in the chain returns ErrMissingVersion and the caller keeps
// the object at its original version.
func (r *Registry) Upgrade(data Data, from *Schema, target *Schema) (Data, *Schema, error) {
	if from.IsNull() {
		if target == nil || target.IsNull() {
			return data, Null, nil
		}
		return nil, nil, fmt.Errorf("%w: cannot upgrade from the null schema to %s",
			ErrUnknownSchema, target.Marker())
	}
	if target == nil {
		if target = r.Latest(from.NS); target == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSchema, from.Marker())
		}
	} else if target.NS != from.NS {
		return nil, nil, fmt.Errorf("%w: cannot upgrade across namespaces %s -> %s",
			ErrUnknownSchema, from.Marker(), target.Marker())
	}
	if target.Version <= from.Version {
		return data, from, nil
	}
	out := CloneData(data)
	cur := from
	for v := from.Version + 1; v <= target.Version; v++ {
		next := r.Get(from.NS, v)
		if next == nil {
			return nil, nil, fmt.Errorf("%w: %s/%d", ErrMissingVersion, from.NS, v)
		}
		if next.Upgrade != nil {
			out = next.Upgrade(out, cur)
		}
		cur = next
	}
	return out, cur, nil
}
