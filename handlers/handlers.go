package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"chronos/cluster"
	"chronos/logger"
	"chronos/models"
	"chronos/replication"
	"chronos/resync"
	"chronos/store"
)

// Handler contains the HTTP handlers for the timer API endpoints, both the
// client surface and the inter-node resync surface
type Handler struct {
	Store         *store.TimerStore
	View          *cluster.View
	Replicator    replication.Replicator
	Coordinator   *resync.Coordinator
	ReplicaFactor int
	PageSize      int

	// newTimerID is the ID allocator; replaced in tests for determinism.
	newTimerID func() uint64
}

// NewHandler creates and returns a new Handler instance
func NewHandler(s *store.TimerStore, view *cluster.View, repl replication.Replicator, coord *resync.Coordinator, replicaFactor, pageSize int) *Handler {
	if replicaFactor <= 0 {
		replicaFactor = 2
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Handler{
		Store:         s,
		View:          view,
		Replicator:    repl,
		Coordinator:   coord,
		ReplicaFactor: replicaFactor,
		PageSize:      pageSize,
		newTimerID: func() uint64 {
			for {
				if id := rand.Uint64(); id != 0 {
					return id
				}
			}
		},
	}
}

// SetIDAllocator overrides timer ID generation. Test hook.
func (h *Handler) SetIDAllocator(fn func() uint64) {
	h.newTimerID = fn
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// AddTimer handles POST requests to register a new timer
func (h *Handler) AddTimer(w http.ResponseWriter, r *http.Request) {
	var timer models.Timer
	if err := json.NewDecoder(r.Body).Decode(&timer); err != nil {
		logger.Logger.Error("Failed to decode timer", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}
	if timer.Timing.Interval == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Timer interval must be non-zero",
		})
		return
	}
	if _, ok := models.ParseCallback(timer.Callback); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Timer has no usable HTTP callback",
		})
		return
	}

	id := h.newTimerID()
	snap := h.View.Snapshot()
	timer.Reliability.Replicas = cluster.ReplicasFor(id, snap.AllPostScaleNodes(), h.ReplicaFactor)

	if err := h.installAndReplicate(id, timer, snap); err != nil {
		logger.Logger.Error("Failed to add timer", zap.Uint64("timer_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}

	logger.Logger.Info("Registered new timer",
		zap.Uint64("timer_id", id), zap.Strings("replicas", timer.Reliability.Replicas))

	w.Header().Set("Location", fmt.Sprintf("/timers/%d", id))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Timer added successfully",
		"id":      id,
	})
}

// UpdateTimer handles PUT requests: client updates to an existing timer and
// inter-node replication pushes share this endpoint. A push carries a
// populated replica list; a client update does not and gets one assigned.
func (h *Handler) UpdateTimer(w http.ResponseWriter, r *http.Request) {
	id, err := timerIDFrom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var timer models.Timer
	if err := json.NewDecoder(r.Body).Decode(&timer); err != nil {
		logger.Logger.Error("Failed to decode timer update", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}

	snap := h.View.Snapshot()

	if len(timer.Reliability.Replicas) > 0 {
		// Replication receive: install (or tombstone) locally, nothing more.
		// Fanning out here would bounce pushes between replicas forever.
		idx := timer.ReplicaIndex(snap.Self)
		if idx < 0 && !timer.IsTombstone() {
			logger.Logger.Warn("Received replication for timer this node does not replicate",
				zap.Uint64("timer_id", id))
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Node is not a replica of this timer",
			})
			return
		}
		if err := h.Store.AddTimer(id, timer, idx, snap.ViewID); err != nil {
			logger.Logger.Error("Failed to apply replicated timer",
				zap.Uint64("timer_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Timer applied"})
		return
	}

	// Client update: reassign replicas and fan out like a create.
	if timer.Timing.Interval == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Timer interval must be non-zero",
		})
		return
	}
	timer.Reliability.Replicas = cluster.ReplicasFor(id, snap.AllPostScaleNodes(), h.ReplicaFactor)
	if err := h.installAndReplicate(id, timer, snap); err != nil {
		logger.Logger.Error("Failed to update timer", zap.Uint64("timer_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Timer updated successfully",
		"id":      id,
	})
}

// DeleteTimer handles DELETE requests to cancel a timer: the local copy is
// tombstoned and the tombstone pushed to the other replicas
func (h *Handler) DeleteTimer(w http.ResponseWriter, r *http.Request) {
	id, err := timerIDFrom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	snap := h.View.Snapshot()
	rec := h.Store.GetTimer(id)
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Timer not found"})
		return
	}

	tombstone := replication.NewTombstone(id, rec.Timer)
	if err := h.Store.AddTimer(id, tombstone.Wire(), rec.ReplicaIndexOf(snap.Self), snap.ViewID); err != nil {
		logger.Logger.Error("Failed to tombstone timer", zap.Uint64("timer_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, n := range rec.Timer.Reliability.Replicas {
		if n == snap.Self {
			continue
		}
		h.Replicator.ReplicateTimerToNode(tombstone, n)
	}

	logger.Logger.Info("Deleted timer", zap.Uint64("timer_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Timer deleted"})
}

// GetTimers serves the inter-node resync query: one page of timers for which
// the requesting node is a replica under the post-scale view
func (h *Handler) GetTimers(w http.ResponseWriter, r *http.Request) {
	params, err := parseResyncQuery(r.URL.RawQuery)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	snap := h.View.Snapshot()
	if params.viewID != snap.ViewID {
		logger.Logger.Warn("Rejecting resync request for stale cluster view",
			zap.String("requested", params.viewID), zap.String("current", snap.ViewID))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Stale cluster view id",
		})
		return
	}

	limit := h.PageSize
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(rangeHeader)); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	entries, more := h.Store.GetTimersForNode(params.target, snap.AllPostScaleNodes(),
		h.ReplicaFactor, params.timeFrom, params.useTimeFrom, limit)
	if entries == nil {
		entries = []models.ResyncEntry{}
	}

	status := http.StatusOK
	if more {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, models.ResyncResponse{Timers: entries})
}

// DeleteReferences handles the advisory DELETE /timers/references directive
func (h *Handler) DeleteReferences(w http.ResponseWriter, r *http.Request) {
	var refs models.ReferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&refs); err != nil {
		logger.Logger.Error("Failed to decode reference drop", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request payload",
		})
		return
	}
	for _, ref := range refs.IDs {
		h.Store.DropReference(ref.ID, ref.ReplicaIndex)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "References dropped"})
}

// TriggerResync handles the admin request to run a full resynchronization
func (h *Handler) TriggerResync(w http.ResponseWriter, r *http.Request) {
	go h.Coordinator.Resynchronize(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Resynchronization started",
	})
}

// installAndReplicate stores the timer locally when self is a replica and
// pushes live copies to the others.
func (h *Handler) installAndReplicate(id uint64, timer models.Timer, snap cluster.Snapshot) error {
	if idx := timer.ReplicaIndex(snap.Self); idx >= 0 {
		if err := h.Store.AddTimer(id, timer, idx, snap.ViewID); err != nil {
			return err
		}
	}
	for _, n := range timer.Reliability.Replicas {
		if n == snap.Self {
			continue
		}
		h.Replicator.ReplicateTimerToNode(replication.Live{ID: id, Timer: timer}, n)
	}
	return nil
}

func timerIDFrom(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timer id %q", raw)
	}
	return id, nil
}

type resyncQuery struct {
	target      string
	viewID      string
	timeFrom    int64
	useTimeFrom bool
}

// parseResyncQuery splits the semicolon-separated GET /timers query.
// net/url no longer treats ';' as a separator, so the tokens are split by
// hand the way peers format them.
func parseResyncQuery(rawQuery string) (resyncQuery, error) {
	var q resyncQuery
	for _, token := range strings.Split(rawQuery, ";") {
		key, value, found := strings.Cut(token, "=")
		if !found {
			continue
		}
		switch key {
		case "node-for-replicas":
			q.target = value
		case "cluster-view-id":
			q.viewID = value
		case "time-from":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return q, fmt.Errorf("invalid time-from %q", value)
			}
			q.timeFrom = ms
			q.useTimeFrom = true
		}
	}
	if q.target == "" {
		return q, fmt.Errorf("missing node-for-replicas")
	}
	if q.viewID == "" {
		return q, fmt.Errorf("missing cluster-view-id")
	}
	return q, nil
}
