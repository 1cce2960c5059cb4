package store

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronos/cluster"
	"chronos/logger"
	"chronos/models"
	"chronos/repository"
)

// replicaSkew staggers pops across replicas: replica N fires N*skew after
// the primary, so a backup only pops when the primary failed to.
const replicaSkew = 2 * time.Second

type popEntry struct {
	id uint64
	at int64 // epoch ms, skew included
}

type popHeap []popEntry

func (h popHeap) Len() int            { return len(h) }
func (h popHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h popHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *popHeap) Push(x interface{}) { *h = append(*h, x.(popEntry)) }
func (h *popHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Popper delivers a popped timer to its callback destination. Wired to the
// HTTP callback sender in production, mocked in tests.
type Popper interface {
	Pop(rec *models.TimerRecord) error
}

// TimerStore holds this node's timers: a persistent record per timer plus an
// in-memory schedule of upcoming pops. All public methods are safe for
// concurrent use.
type TimerStore struct {
	mu     sync.Mutex
	repo   repository.TimerRepositoryInterface
	timers map[uint64]*models.TimerRecord
	sched  popHeap
	wake   chan struct{}
	done   chan struct{}
	closed bool

	self   string
	popper Popper

	// nowFn is the clock; replaced in tests.
	nowFn func() int64

	onPopComplete func(rec *models.TimerRecord)
}

func NewTimerStore(repo repository.TimerRepositoryInterface, self string, popper Popper) (*TimerStore, error) {
	s := &TimerStore{
		repo:   repo,
		timers: make(map[uint64]*models.TimerRecord),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		self:   self,
		popper: popper,
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}

	recs, err := repo.GetAllTimers()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		s.timers[rec.ID] = rec
		s.pushLocked(rec)
	}
	if len(recs) > 0 {
		logger.Logger.Info("Reloaded timers from storage", zap.Int("count", len(recs)))
	}
	return s, nil
}

// SetClock replaces the store's time source. Test hook.
func (s *TimerStore) SetClock(nowFn func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = nowFn
}

// SetOnPopComplete registers a callback invoked after a successful pop of a
// recurring timer, used to push the updated state to the other replicas.
func (s *TimerStore) SetOnPopComplete(fn func(rec *models.TimerRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPopComplete = fn
}

// AddTimer installs or updates a timer. A tombstone removes any local copy.
// replicaIndex is this node's position in the timer's replica list and
// controls the pop skew.
func (s *TimerStore) AddTimer(id uint64, timer models.Timer, replicaIndex int, viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer.IsTombstone() {
		return s.removeLocked(id)
	}

	now := s.nowFn()
	rec := &models.TimerRecord{
		ID:        id,
		StartTime: now + timer.Timing.StartTimeDelta,
		NextPop:   now + timer.Timing.StartTimeDelta,
		ViewID:    viewID,
		Timer:     timer,
	}
	if existing, ok := s.timers[id]; ok {
		rec.Sequence = existing.Sequence
	}
	if replicaIndex > 0 {
		rec.NextPop += int64(replicaIndex) * replicaSkew.Milliseconds()
	}

	if err := s.repo.PutTimer(rec); err != nil {
		return err
	}
	s.timers[id] = rec
	s.pushLocked(rec)
	return nil
}

// RemoveTimer drops a timer without issuing any further pops.
func (s *TimerStore) RemoveTimer(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// GetTimer returns a copy of the stored record, or nil.
func (s *TimerStore) GetTimer(id uint64) *models.TimerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.timers[id]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// Len returns the number of stored timers.
func (s *TimerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerStore) removeLocked(id uint64) error {
	if _, ok := s.timers[id]; !ok {
		return nil
	}
	delete(s.timers, id)
	// Heap entries for the id go stale and are skipped by the scheduler.
	return s.repo.DeleteTimer(id)
}

func (s *TimerStore) pushLocked(rec *models.TimerRecord) {
	heap.Push(&s.sched, popEntry{id: rec.ID, at: rec.NextPop})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GetTimersForNode serves one resync page: timers for which requestingNode
// is a replica under the post-scale node set, ordered by next pop. Timers at
// or before timeFrom are excluded when useTimeFrom is set. more is true when
// the page was truncated at limit.
func (s *TimerStore) GetTimersForNode(requestingNode string, postScaleNodes []string, replicaFactor int, timeFrom int64, useTimeFrom bool, limit int) (entries []models.ResyncEntry, more bool) {
	s.mu.Lock()
	recs := make([]*models.TimerRecord, 0, len(s.timers))
	for _, rec := range s.timers {
		recs = append(recs, rec)
	}
	now := s.nowFn()
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].NextPop != recs[j].NextPop {
			return recs[i].NextPop < recs[j].NextPop
		}
		return recs[i].ID < recs[j].ID
	})

	for _, rec := range recs {
		if useTimeFrom && rec.NextPop <= timeFrom {
			continue
		}
		newReplicas := cluster.ReplicasFor(rec.ID, postScaleNodes, replicaFactor)
		if indexOf(newReplicas, requestingNode) < 0 {
			continue
		}
		if limit > 0 && len(entries) == limit {
			return entries, true
		}

		wire := rec.Timer
		wire.Timing.StartTimeDelta = rec.NextPop - now
		wire.Reliability = models.Reliability{Replicas: newReplicas}
		entries = append(entries, models.ResyncEntry{
			TimerID:     rec.ID,
			OldReplicas: rec.Timer.Reliability.Replicas,
			Timer:       wire,
		})
	}
	return entries, false
}

// DropReference handles an advisory DELETE /timers/references entry. A copy
// whose replica list no longer names this node is an orphan left behind by a
// scale event and is removed; anything else is kept.
func (s *TimerStore) DropReference(id uint64, replicaIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.timers[id]
	if !ok {
		return
	}
	if rec.ReplicaIndexOf(s.self) < 0 {
		logger.Logger.Info("Dropping orphaned timer reference",
			zap.Uint64("timer_id", id), zap.Int("replica_index", replicaIndex))
		if err := s.removeLocked(id); err != nil {
			logger.Logger.Warn("Failed to drop timer reference",
				zap.Uint64("timer_id", id), zap.Error(err))
		}
	}
}

// Start runs the pop scheduler until Stop is called.
func (s *TimerStore) Start() {
	go s.run()
}

func (s *TimerStore) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *TimerStore) run() {
	for {
		rec, wait := s.nextDue()
		if rec != nil {
			// Callbacks are network I/O; don't hold up other due timers.
			go s.pop(rec)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDue pops the next due timer off the schedule, or returns how long to
// sleep until one is due.
func (s *TimerStore) nextDue() (*models.TimerRecord, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	for s.sched.Len() > 0 {
		top := s.sched[0]
		rec, ok := s.timers[top.id]
		if !ok || rec.NextPop != top.at {
			// Stale entry for a removed or rescheduled timer.
			heap.Pop(&s.sched)
			continue
		}
		if top.at > now {
			return nil, time.Duration(top.at-now) * time.Millisecond
		}
		heap.Pop(&s.sched)
		out := *rec
		return &out, 0
	}
	return nil, time.Minute
}

// pop delivers the callback and reschedules or retires the timer. A failed
// callback drops the local copy without replication so another replica still
// gets its chance to deliver.
func (s *TimerStore) pop(rec *models.TimerRecord) {
	err := s.popper.Pop(rec)

	s.mu.Lock()
	current, ok := s.timers[rec.ID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if err != nil {
		logger.Logger.Warn("Timer callback failed, dropping local copy",
			zap.Uint64("timer_id", rec.ID), zap.Error(err))
		if rmErr := s.removeLocked(rec.ID); rmErr != nil {
			logger.Logger.Error("Failed to remove timer after failed callback",
				zap.Uint64("timer_id", rec.ID), zap.Error(rmErr))
		}
		s.mu.Unlock()
		return
	}

	current.Sequence++
	next := current.NextPop + int64(current.Timer.Timing.Interval)
	expiry := current.StartTime + int64(current.Timer.Timing.RepeatFor)
	if current.Timer.Timing.Interval == 0 || next > expiry {
		if rmErr := s.removeLocked(current.ID); rmErr != nil {
			logger.Logger.Error("Failed to retire completed timer",
				zap.Uint64("timer_id", current.ID), zap.Error(rmErr))
		}
		s.mu.Unlock()
		return
	}

	current.NextPop = next
	if err := s.repo.PutTimer(current); err != nil {
		logger.Logger.Error("Failed to persist rescheduled timer",
			zap.Uint64("timer_id", current.ID), zap.Error(err))
	}
	s.pushLocked(current)
	out := *current
	notify := s.onPopComplete
	s.mu.Unlock()

	if notify != nil {
		notify(&out)
	}
}

func indexOf(nodes []string, node string) int {
	for i, n := range nodes {
		if n == node {
			return i
		}
	}
	return -1
}
