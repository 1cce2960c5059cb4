package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chronos/logger"
)

// GRConnection pushes replicated timers to one remote geographic site.
// Pushes are fire-and-forget; a site that misses updates catches up when
// its own resync runs.
type GRConnection struct {
	site string
	http *http.Client
}

func NewGRConnection(site string, timeout time.Duration) *GRConnection {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRConnection{
		site: site,
		http: &http.Client{Timeout: timeout},
	}
}

func (g *GRConnection) Site() string {
	return g.site
}

// SendPut mirrors msg to the remote site. Failures are logged, never returned.
func (g *GRConnection) SendPut(msg Message) {
	body, err := json.Marshal(msg.Wire())
	if err != nil {
		logger.Logger.Error("Failed to marshal timer for remote site",
			zap.Uint64("timer_id", msg.TimerID()), zap.Error(err))
		return
	}

	url := fmt.Sprintf("http://%s/timers/%d", g.site, msg.TimerID())
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		logger.Logger.Error("Failed to build remote site request",
			zap.String("site", g.site), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		logger.Logger.Warn("Unable to send replication to remote site",
			zap.String("site", g.site), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		logger.Logger.Warn("Remote site rejected replication",
			zap.String("site", g.site), zap.Int("status", resp.StatusCode))
	}
}
