package replication

import "chronos/models"

// Message is a replication payload: a live timer copy or a tombstone telling
// a replica to forget one. The two variants are distinct types so a live
// tombstone is unrepresentable; receivers pattern-match with a type switch.
type Message interface {
	TimerID() uint64
	// Wire returns the timer as it is serialized to a peer.
	Wire() models.Timer
	isMessage()
}

// Live carries a full timer copy to a replica that should hold it.
type Live struct {
	ID    uint64
	Timer models.Timer
}

func (l Live) TimerID() uint64    { return l.ID }
func (l Live) Wire() models.Timer { return l.Timer }
func (Live) isMessage()           {}

// Tombstone tells a replica to drop a timer. It keeps the source timer's
// interval as its repeat-for so the tombstone outlives any pop it must
// suppress before expiring on its own.
type Tombstone struct {
	ID       uint64
	Timing   models.Timing
	Replicas []string
}

// NewTombstone derives a tombstone from the timer being dropped.
func NewTombstone(id uint64, from models.Timer) Tombstone {
	return Tombstone{
		ID: id,
		Timing: models.Timing{
			StartTimeDelta: from.Timing.StartTimeDelta,
			Interval:       0,
			RepeatFor:      from.Timing.Interval,
		},
		Replicas: from.Reliability.Replicas,
	}
}

func (t Tombstone) TimerID() uint64 { return t.ID }

func (t Tombstone) Wire() models.Timer {
	return models.Timer{
		Timing:      t.Timing,
		Reliability: models.Reliability{Replicas: t.Replicas},
	}
}

func (Tombstone) isMessage() {}
