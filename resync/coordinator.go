package resync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"chronos/cluster"
	"chronos/logger"
	"chronos/models"
	"chronos/replication"
)

// TimerStore is the slice of the local store the coordinator drives.
type TimerStore interface {
	AddTimer(id uint64, timer models.Timer, replicaIndex int, viewID string) error
}

// PeerClient is the request surface to remote Chronos nodes.
type PeerClient interface {
	GetTimers(ctx context.Context, server, targetNode, viewID string, timeFrom int64, useTimeFrom bool) (int, []byte)
	DeleteReferences(ctx context.Context, server string, refs models.ReferencesRequest) int
}

// Coordinator reconciles the local timer set against a new cluster view.
// On a scale event it pulls, from every current node, the timers this node
// should now hold, installs and re-replicates them, and tells peers to drop
// their stale references.
type Coordinator struct {
	view       *cluster.View
	peers      PeerClient
	store      TimerStore
	replicator replication.Replicator

	timersProcessed Counter
	invalidTimers   Counter
	remainingNodes  Gauge

	nowFn func() int64
}

func NewCoordinator(view *cluster.View, peers PeerClient, store TimerStore, replicator replication.Replicator) *Coordinator {
	return &Coordinator{
		view:            view,
		peers:           peers,
		store:           store,
		replicator:      replicator,
		timersProcessed: NopCounter{},
		invalidTimers:   NopCounter{},
		remainingNodes:  NopGauge{},
		nowFn:           nowMillis,
	}
}

// SetCounters wires the observability sinks. Nil arguments keep the no-op
// defaults.
func (c *Coordinator) SetCounters(processed, invalid Counter, remaining Gauge) {
	if processed != nil {
		c.timersProcessed = processed
	}
	if invalid != nil {
		c.invalidTimers = invalid
	}
	if remaining != nil {
		c.remainingNodes = remaining
	}
}

// SetClock replaces the coordinator's time source. Test hook.
func (c *Coordinator) SetClock(nowFn func() int64) {
	c.nowFn = nowFn
}

// Resynchronize runs a full resync against every current cluster node. It
// captures one view snapshot at entry and uses it throughout; a view change
// mid-run does not abort it, and the coordinator does not start a new run by
// itself. Failures
// against individual peers are logged and the loop moves on; the operation
// itself never fails.
func (c *Coordinator) Resynchronize(ctx context.Context) {
	snap := c.view.Snapshot()
	peers := snap.AllCurrentNodes()

	remaining := 0
	for _, p := range peers {
		if p != snap.Self {
			remaining++
		}
	}
	logger.Logger.Info("Starting resynchronization",
		zap.String("view_id", snap.ViewID), zap.Int("peers", remaining))

	for _, p := range peers {
		if p == snap.Self {
			continue
		}
		if ctx.Err() != nil {
			logger.Logger.Info("Resynchronization cancelled",
				zap.String("view_id", snap.ViewID))
			break
		}
		c.remainingNodes.Set(uint32(remaining))
		remaining--

		status := c.ResynchroniseWithSingleNode(ctx, p, snap.AllPostScaleNodes(), snap.Self, snap.ViewID)
		if status != http.StatusOK {
			logger.Logger.Warn("Resynchronization with node failed",
				zap.String("node", p), zap.Int("status", status))
		}
	}
	c.remainingNodes.Set(0)

	logger.Logger.Info("Resynchronization complete", zap.String("view_id", snap.ViewID))
}

// ResynchroniseWithSingleNode pulls every timer held by server for which
// self is a replica, page by page, and applies the per-timer decision
// procedure. Returns the last meaningful HTTP-style status: 200 on success,
// 400 on malformed data, or whatever failure code the peer produced.
func (c *Coordinator) ResynchroniseWithSingleNode(ctx context.Context, server string, nodeSet []string, self, viewID string) int {
	var timeFrom int64
	useTimeFrom := false

	for {
		now := c.nowFn()
		status, body := c.peers.GetTimers(ctx, server, self, viewID, timeFrom, useTimeFrom)
		if status != http.StatusOK && status != http.StatusPartialContent {
			return status
		}

		entries, err := parsePage(body)
		if err != nil {
			logger.Logger.Warn("Malformed resync response",
				zap.String("node", server), zap.Error(err))
			return http.StatusBadRequest
		}

		rc := http.StatusOK
		latest := int64(math.MinInt64)
		drops := make(map[string][]models.Reference)

		for _, raw := range entries {
			entry, ok := parseEntry(raw)
			if !ok {
				c.invalidTimers.Increment()
				rc = http.StatusBadRequest
				continue
			}
			c.processEntry(entry, nodeSet, self, viewID, drops)
			c.timersProcessed.Increment()
			if pop := now + entry.Timer.Timing.StartTimeDelta; pop > latest {
				latest = pop
			}
		}

		c.sendReferenceDrops(ctx, drops)

		if rc != http.StatusOK {
			return rc
		}
		if status == http.StatusOK {
			return http.StatusOK
		}
		// 206 with nothing parseable gives no cursor to advance.
		if latest == math.MinInt64 {
			return http.StatusOK
		}
		// Finish the current page on cancellation, then exit cleanly.
		if ctx.Err() != nil {
			return http.StatusOK
		}
		timeFrom = latest + 1
		useTimeFrom = true
	}
}

// processEntry applies the per-timer decision procedure. The entry's own
// replica list is authoritative for the new view: the peer computed it with
// the same pure assignment function every node runs, so each peer reporting
// this timer reaches the same install/replicate/tombstone decisions.
func (c *Coordinator) processEntry(entry models.ResyncEntry, nodeSet []string, self, viewID string, drops map[string][]models.Reference) {
	newReplicas := entry.Timer.Reliability.Replicas

	newIdx := indexOf(newReplicas, self)
	if newIdx < 0 {
		// The peer addressed us with a timer we're no replica of. Skip it
		// entirely rather than emit a reference drop with no valid index.
		logger.Logger.Warn("Received timer this node does not replicate",
			zap.Uint64("timer_id", entry.TimerID), zap.String("node", self))
		return
	}
	if !subsetOf(newReplicas, nodeSet) {
		logger.Logger.Debug("Replica list names nodes outside the post-scale set",
			zap.Uint64("timer_id", entry.TimerID), zap.Strings("replicas", newReplicas))
	}

	oldIdx := indexOf(entry.OldReplicas, self)
	if oldIdx < 0 {
		oldIdx = math.MaxInt
	}

	// Install only when self moved up the list (including absent → present);
	// otherwise a more-primary replica owns this timer and installing here
	// would duplicate pops.
	if newIdx < oldIdx {
		if err := c.store.AddTimer(entry.TimerID, entry.Timer, newIdx, viewID); err != nil {
			logger.Logger.Error("Failed to install resynced timer",
				zap.Uint64("timer_id", entry.TimerID), zap.Error(err))
		}
	}

	// Push live copies down the new list, tombstones to nodes that dropped
	// off it.
	for j, n := range newReplicas {
		if n == self || j <= newIdx {
			continue
		}
		c.replicator.ReplicateTimerToNode(replication.Live{ID: entry.TimerID, Timer: entry.Timer}, n)
	}
	for _, n := range entry.OldReplicas {
		if n == self || indexOf(newReplicas, n) >= 0 {
			continue
		}
		c.replicator.ReplicateTimerToNode(replication.NewTombstone(entry.TimerID, entry.Timer), n)
	}

	// Every node in either list gets told which replica has taken over.
	for _, n := range union(entry.OldReplicas, newReplicas) {
		drops[n] = append(drops[n], models.Reference{ID: entry.TimerID, ReplicaIndex: newIdx})
	}
}

// sendReferenceDrops flushes the per-page DELETE batches in address order.
// Drops are advisory: failures are logged by the client and never fail the
// page.
func (c *Coordinator) sendReferenceDrops(ctx context.Context, drops map[string][]models.Reference) {
	nodes := make([]string, 0, len(drops))
	for n := range drops {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		c.peers.DeleteReferences(ctx, n, models.ReferencesRequest{IDs: drops[n]})
	}
}

// parsePage validates the top-level response shape: an object with a
// "Timers" array. Anything else fails the whole page.
func parsePage(body []byte) ([]json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, err
	}
	raw, ok := top["Timers"]
	if !ok {
		return nil, errors.New(`response has no "Timers" array`)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

type rawTimer struct {
	Timing      *models.Timing  `json:"timing"`
	Callback    json.RawMessage `json:"callback"`
	Reliability *struct {
		Replicas *[]string `json:"replicas"`
	} `json:"reliability"`
}

type rawEntry struct {
	TimerID     *uint64   `json:"TimerID"`
	OldReplicas *[]string `json:"OldReplicas"`
	Timer       *rawTimer `json:"Timer"`
}

// parseEntry validates one timer entry. Every required field must be
// present: TimerID, OldReplicas, and a Timer carrying timing, callback and a
// non-empty replica list.
func parseEntry(raw json.RawMessage) (models.ResyncEntry, bool) {
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.ResyncEntry{}, false
	}
	if e.TimerID == nil || e.OldReplicas == nil || e.Timer == nil {
		return models.ResyncEntry{}, false
	}
	t := e.Timer
	if t.Timing == nil || len(t.Callback) == 0 || string(t.Callback) == "null" {
		return models.ResyncEntry{}, false
	}
	if t.Reliability == nil || t.Reliability.Replicas == nil || len(*t.Reliability.Replicas) == 0 {
		return models.ResyncEntry{}, false
	}

	return models.ResyncEntry{
		TimerID:     *e.TimerID,
		OldReplicas: *e.OldReplicas,
		Timer: models.Timer{
			Timing:      *t.Timing,
			Callback:    t.Callback,
			Reliability: models.Reliability{Replicas: *t.Reliability.Replicas},
		},
	}, true
}

func indexOf(nodes []string, node string) int {
	for i, n := range nodes {
		if n == node {
			return i
		}
	}
	return -1
}

func subsetOf(nodes, set []string) bool {
	for _, n := range nodes {
		if indexOf(set, n) < 0 {
			return false
		}
	}
	return true
}

func union(a, b []string) []string {
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
