// Package policy decides whether embedded UI may be rendered for a connector.
package policy

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync/atomic"
)

// Checker is the interface used by consumers to gate UI rendering.
type Checker interface {
	Allow(appName, appID string) bool
	Version() string
}

// Render is an immutable allow/block policy. The zero value is disabled.
type Render struct {
	enabled bool
	allowed map[string]struct{} // nil allows every app
	blocked map[string]struct{}
}

// NewRender builds a policy from raw identifiers. Identifiers are trimmed and
// lowercased; an empty allow list means every app is allowed.
func NewRender(enabled bool, allowedApps, blockedApps []string) Render {
	r := Render{
		enabled: enabled,
		blocked: map[string]struct{}{},
	}
	if set := toSet(allowedApps); len(set) > 0 {
		r.allowed = set
	}
	for k := range toSet(blockedApps) {
		r.blocked[k] = struct{}{}
	}
	return r
}

// Default enables UI for every app.
func Default() Render {
	return NewRender(true, nil, nil)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Enabled reports the global switch.
func (r Render) Enabled() bool { return r.enabled }

// AllowedApps returns the sorted allow list, or nil when every app is allowed.
func (r Render) AllowedApps() []string {
	if r.allowed == nil {
		return nil
	}
	return sortedKeys(r.allowed)
}

// BlockedApps returns the sorted block list.
func (r Render) BlockedApps() []string {
	return sortedKeys(r.blocked)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allow reports whether UI may render for the app identified by name and/or
// id. The block list wins over the allow list.
func (r Render) Allow(appName, appID string) bool {
	if !r.enabled {
		return false
	}

	ids := make([]string, 0, 2)
	for _, v := range []string{appName, appID} {
		if n := normalize(v); n != "" {
			ids = append(ids, n)
		}
	}

	for _, id := range ids {
		if _, ok := r.blocked[id]; ok {
			return false
		}
	}
	if r.allowed == nil {
		return true
	}
	for _, id := range ids {
		if _, ok := r.allowed[id]; ok {
			return true
		}
	}
	return false
}

// Version returns a stable fingerprint of the policy contents.
func (r Render) Version() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "enabled=%t|allow=", r.enabled)
	if r.allowed == nil {
		fmt.Fprint(h, "*")
	} else {
		fmt.Fprint(h, strings.Join(sortedKeys(r.allowed), ","))
	}
	fmt.Fprintf(h, "|block=%s", strings.Join(sortedKeys(r.blocked), ","))
	return fmt.Sprintf("ui-%x", h.Sum64())
}

// Live holds the current Render policy and allows it to be replaced at
// runtime. Each stored value is itself immutable.
type Live struct {
	current atomic.Pointer[Render]
}

// NewLive creates a Live policy from an initial snapshot.
func NewLive(initial Render) *Live {
	l := &Live{}
	l.Store(initial)
	return l
}

// Store replaces the active policy.
func (l *Live) Store(r Render) {
	l.current.Store(&r)
}

// Load returns the active policy.
func (l *Live) Load() Render {
	if p := l.current.Load(); p != nil {
		return *p
	}
	return Render{}
}

// Allow checks against the active policy.
func (l *Live) Allow(appName, appID string) bool {
	return l.Load().Allow(appName, appID)
}

// Version reports the active policy fingerprint.
func (l *Live) Version() string {
	return l.Load().Version()
}
