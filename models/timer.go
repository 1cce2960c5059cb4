package models

import "encoding/json"

// Timing describes when a timer pops. StartTimeDelta is relative to "now" as
// observed by whichever node serialized the timer, so it can be negative when
// the next pop is already overdue.
type Timing struct {
	StartTimeDelta int64  `json:"start-time-delta,omitempty"` // ms offset of next pop from now
	Interval       uint32 `json:"interval"`                   // ms between pops; 0 marks a tombstone
	RepeatFor      uint32 `json:"repeat-for"`                 // ms the timer keeps recurring
}

// Reliability carries the ordered replica list. Index 0 is the primary.
type Reliability struct {
	Replicas []string `json:"replicas"`
}

// Timer is the wire form of a timer exchanged between nodes.
// Callback is opaque to the core and passed through untouched.
type Timer struct {
	Timing      Timing          `json:"timing"`
	Callback    json.RawMessage `json:"callback"`
	Reliability Reliability     `json:"reliability"`
}

// IsTombstone reports whether this timer tells a replica to forget the ID.
func (t *Timer) IsTombstone() bool {
	return t.Timing.Interval == 0
}

// ReplicaIndex returns the position of node in the replica list, or -1.
func (t *Timer) ReplicaIndex(node string) int {
	for i, r := range t.Reliability.Replicas {
		if r == node {
			return i
		}
	}
	return -1
}

// ResyncEntry is one element of a GET /timers response: the timer together
// with the replica list it had under the previous cluster view.
type ResyncEntry struct {
	TimerID     uint64   `json:"TimerID"`
	OldReplicas []string `json:"OldReplicas"`
	Timer       Timer    `json:"Timer"`
}

// ResyncResponse is the body of a GET /timers response.
type ResyncResponse struct {
	Timers []ResyncEntry `json:"Timers"`
}

// Reference names a (timer, replica index) pair held by a peer.
type Reference struct {
	ID           uint64 `json:"ID"`
	ReplicaIndex int    `json:"ReplicaIndex"`
}

// ReferencesRequest is the body of a DELETE /timers/references request.
type ReferencesRequest struct {
	IDs []Reference `json:"IDs"`
}
