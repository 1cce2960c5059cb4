package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronos/logger"
)

// Replicator pushes timers and tombstones to other replicas.
// Replication is best-effort: a failed push is logged and dropped, the
// resync machinery will repair any divergence on the next scale event.
type Replicator interface {
	ReplicateTimerToNode(msg Message, node string)
}

type job struct {
	msg  Message
	node string
}

// HTTPReplicator sends PUT /timers/{id} to replicas from a small worker
// pool, so callers never block on peer I/O.
type HTTPReplicator struct {
	http  *http.Client
	queue chan job
	wg    sync.WaitGroup
	sites []*GRConnection
}

func NewHTTPReplicator(timeout time.Duration, workers int, sites []*GRConnection) *HTTPReplicator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	r := &HTTPReplicator{
		http:  &http.Client{Timeout: timeout},
		queue: make(chan job, 256),
		sites: sites,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// ReplicateTimerToNode queues msg for delivery to node. Drops the message
// if the queue is full rather than blocking the caller.
func (r *HTTPReplicator) ReplicateTimerToNode(msg Message, node string) {
	select {
	case r.queue <- job{msg: msg, node: node}:
	default:
		logger.Logger.Warn("Replication queue full, dropping message",
			zap.Uint64("timer_id", msg.TimerID()), zap.String("node", node))
	}
}

// Stop drains the queue and waits for in-flight pushes to finish.
func (r *HTTPReplicator) Stop() {
	close(r.queue)
	r.wg.Wait()
}

func (r *HTTPReplicator) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.send(j.msg, j.node)
		for _, site := range r.sites {
			site.SendPut(j.msg)
		}
	}
}

func (r *HTTPReplicator) send(msg Message, node string) {
	body, err := json.Marshal(msg.Wire())
	if err != nil {
		logger.Logger.Error("Failed to marshal replication message",
			zap.Uint64("timer_id", msg.TimerID()), zap.Error(err))
		return
	}

	url := fmt.Sprintf("http://%s/timers/%d", node, msg.TimerID())
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		logger.Logger.Error("Failed to build replication request",
			zap.String("node", node), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		logger.Logger.Warn("Replication to node failed",
			zap.Uint64("timer_id", msg.TimerID()), zap.String("node", node), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Logger.Warn("Replication to node rejected",
			zap.Uint64("timer_id", msg.TimerID()),
			zap.String("node", node),
			zap.Int("status", resp.StatusCode))
	}
}
