// Package authz resolves per-repository access rules and gates every item
// read and write during sync.
//
// Rules are resolved by repository path: built-in rules for the /sys family
// come first and cannot be shadowed, user rules follow in registration
// order. Resolution is on the hot path (once per item access) and performs
// no allocation.
package authz

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Op is the access being gated.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Root is the privileged principal. Sessions owned by Root pass every
// built-in rule.
const Root = "root"

// DB is the database handle passed through to rules. The matcher carries it
// to the rule untouched and never interprets it.
type DB = any

// RuleFunc decides whether the session may perform op on the item at
// itemKey inside the repository at repoPath.
type RuleFunc func(db DB, repoPath, itemKey string, sess *Session, op Op) bool

// ErrRuleConflict is returned when a rule is registered twice for the same
// exact path. This is a programmer error.
var ErrRuleConflict = errors.New("authz: rule already registered for path")

type entry struct {
	repoID string         // exact repository id, or ""
	re     *regexp.Regexp // pattern match against the raw input path, or nil
	prefix string         // built-in catch-all prefix, or ""
	fn     RuleFunc
}

func (e *entry) matches(inputPath, repoID string) bool {
	switch {
	case e.re != nil:
		return e.re.MatchString(inputPath)
	case e.prefix != "":
		// segment boundary: "/sys" covers "/sys" and "/sys/...", never "/sysadmin"
		return repoID == e.prefix || (strings.HasPrefix(repoID, e.prefix) && len(repoID) > len(e.prefix) && repoID[len(e.prefix)] == '/')
	default:
		return e.repoID == repoID
	}
}

// Matcher resolves repository paths to rules. It is read-mostly: rules are
// registered at startup and resolved per item access afterwards.
type Matcher struct {
	mu       sync.RWMutex
	builtins []entry
	user     []entry
}

// NewMatcher creates a matcher with the built-in /sys rules installed.
func NewMatcher() *Matcher {
	return &Matcher{builtins: builtinRules()}
}

var (
	defaultOnce sync.Once
	defaultM    *Matcher
)

// Default returns the process-wide matcher. Prefer constructing and passing
// an explicit Matcher; Default exists for callers without one.
func Default() *Matcher {
	defaultOnce.Do(func() { defaultM = NewMatcher() })
	return defaultM
}

// Register installs a rule for the repository identified by path. The same
// exact path cannot be registered twice.
func (m *Matcher) Register(path string, fn RuleFunc) error {
	repoID := RepoID(Normalize(path))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.user {
		if e.re == nil && e.repoID == repoID {
			return fmt.Errorf("%w: %s", ErrRuleConflict, repoID)
		}
	}
	m.user = append(m.user, entry{repoID: repoID, fn: fn})
	return nil
}

// RegisterPattern installs a rule for every repository path matching re.
// Patterns are tested against the raw input path, not its repository id.
func (m *Matcher) RegisterPattern(re *regexp.Regexp, fn RuleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = append(m.user, entry{re: re, fn: fn})
}

// RuleForRepo resolves the rule gating inputPath: built-in rules first,
// then user rules in registration order. It returns nil if no rule matches;
// access is then open by default. Callers that require closed-by-default
// register a catch-all pattern.
func (m *Matcher) RuleForRepo(inputPath string) RuleFunc {
	repoID := RepoID(Normalize(inputPath))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.builtins {
		if m.builtins[i].matches(inputPath, repoID) {
			return m.builtins[i].fn
		}
	}
	for i := range m.user {
		if m.user[i].matches(inputPath, repoID) {
			return m.user[i].fn
		}
	}
	return nil
}

// Allowed resolves and evaluates the rule for inputPath in one step,
// granting access when no rule matches.
func (m *Matcher) Allowed(db DB, inputPath, itemKey string, sess *Session, op Op) bool {
	rule := m.RuleForRepo(inputPath)
	if rule == nil {
		return true
	}
	return rule(db, inputPath, itemKey, sess, op)
}

// Normalize canonicalizes a repository path: a single leading slash, no
// trailing slash. Already-canonical paths are returned as-is without
// allocating.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] == '/' && !strings.Contains(path, "//") && (len(path) == 1 || path[len(path)-1] != '/') {
		return path
	}
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return "/" + strings.Join(kept, "/")
}

// RepoID returns the repository-id component of a normalized path: the
// first two segments, e.g. "/sys/users" for "/sys/users/alice". A path with
// fewer segments is its own repository id. The result aliases the input.
func RepoID(norm string) string {
	if len(norm) < 2 {
		return norm
	}
	i := strings.IndexByte(norm[1:], '/')
	if i < 0 {
		return norm
	}
	j := strings.IndexByte(norm[i+2:], '/')
	if j < 0 {
		return norm
	}
	return norm[:i+2+j]
}

func builtinRules() []entry {
	return []entry{
		{repoID: "/sys/users", fn: func(_ DB, _, itemKey string, sess *Session, op Op) bool {
			if op == OpRead {
				return true
			}
			return sess != nil && (sess.Owner == Root || sess.Owner == itemKey)
		}},
		{repoID: "/sys/sessions", fn: func(_ DB, _, _ string, sess *Session, op Op) bool {
			if op == OpRead {
				return true
			}
			return sess != nil && sess.Owner == Root
		}},
		{repoID: "/sys/stats", fn: rootOnly},
		{prefix: "/sys", fn: rootOnly},
	}
}

func rootOnly(_ DB, _, _ string, sess *Session, _ Op) bool {
	return sess != nil && sess.Owner == Root
}
