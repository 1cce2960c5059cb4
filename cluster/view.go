package cluster

import (
	"sort"
	"sync"
)

// View holds the cluster membership as three disjoint node sets plus an
// opaque view id that changes whenever the sets do. It is read-mostly: the
// configuration layer writes it, everything else takes snapshots.
type View struct {
	mu      sync.RWMutex
	self    string
	staying []string
	leaving []string
	joining []string
	viewID  string
}

// Snapshot is an immutable copy of the view. A resync run captures one
// snapshot at entry and uses it for its whole duration.
type Snapshot struct {
	Self    string
	Staying []string
	Leaving []string
	Joining []string
	ViewID  string
}

func NewView(self string, staying, leaving, joining []string, viewID string) *View {
	v := &View{self: self}
	v.Set(staying, leaving, joining, viewID)
	return v
}

// Set replaces the membership sets. Callers must supply a new view id when
// the sets change; peers reject requests carrying a stale id.
func (v *View) Set(staying, leaving, joining []string, viewID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.staying = sortedCopy(staying)
	v.leaving = sortedCopy(leaving)
	v.joining = sortedCopy(joining)
	v.viewID = viewID
}

func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Snapshot{
		Self:    v.self,
		Staying: sortedCopy(v.staying),
		Leaving: sortedCopy(v.leaving),
		Joining: sortedCopy(v.joining),
		ViewID:  v.viewID,
	}
}

func (v *View) ViewID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.viewID
}

// AllCurrentNodes returns staying ∪ leaving: the nodes that may still hold
// timers and are therefore the targets of resync GETs.
func (s Snapshot) AllCurrentNodes() []string {
	return unionSorted(s.Staying, s.Leaving)
}

// AllPostScaleNodes returns staying ∪ joining: the node set timers are
// re-replicated onto.
func (s Snapshot) AllPostScaleNodes() []string {
	return unionSorted(s.Staying, s.Joining)
}

// ScalePending reports whether a scale event is in progress.
func (s Snapshot) ScalePending() bool {
	return len(s.Leaving) > 0 || len(s.Joining) > 0
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, n := range a {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for _, n := range b {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
