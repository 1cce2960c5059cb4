package models

// TimerRecord is the persisted form of a timer held by this node.
// NextPop and StartTime are absolute epoch milliseconds; the relative
// start-time-delta is recomputed whenever the timer is serialized to a peer.
type TimerRecord struct {
	ID        uint64 `json:"id"`
	StartTime int64  `json:"start_time"` // first pop, epoch ms
	NextPop   int64  `json:"next_pop"`   // upcoming pop, epoch ms
	Sequence  uint32 `json:"sequence"`   // pops issued so far
	ViewID    string `json:"view_id"`    // cluster view the replica list was computed under
	Timer     Timer  `json:"timer"`
}

// ReplicaIndexOf returns the record's replica position for node, or -1.
func (r *TimerRecord) ReplicaIndexOf(node string) int {
	return r.Timer.ReplicaIndex(node)
}
