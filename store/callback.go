package store

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chronos/logger"
	"chronos/models"
)

// HTTPPopper delivers pops as HTTP POSTs to the client-supplied callback
// URI, carrying the opaque payload and a sequence number for dedup.
type HTTPPopper struct {
	http *http.Client
}

func NewHTTPPopper(timeout time.Duration) *HTTPPopper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPopper{http: &http.Client{Timeout: timeout}}
}

func (p *HTTPPopper) Pop(rec *models.TimerRecord) error {
	spec, ok := models.ParseCallback(rec.Timer.Callback)
	if !ok {
		return fmt.Errorf("timer %d has no usable HTTP callback", rec.ID)
	}

	url := spec.HTTP.URI
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(spec.HTTP.Opaque))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sequence-Number", strconv.FormatUint(uint64(rec.Sequence), 10))

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback for timer %d returned status %d", rec.ID, resp.StatusCode)
	}

	logger.Logger.Debug("Timer callback delivered",
		zap.Uint64("timer_id", rec.ID), zap.Uint32("sequence", rec.Sequence))
	return nil
}
