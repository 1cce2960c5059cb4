package store_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronos/logger"
	"chronos/models"
	"chronos/store"
)

const self = "10.0.0.1:9999"

func init() {
	logger.Logger = zap.NewNop()
}

type mockRepo struct {
	mu   sync.Mutex
	recs map[uint64]*models.TimerRecord
}

func newMockRepo() *mockRepo {
	return &mockRepo{recs: make(map[uint64]*models.TimerRecord)}
}

func (m *mockRepo) PutTimer(rec *models.TimerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *rec
	m.recs[rec.ID] = &copy
	return nil
}

func (m *mockRepo) GetTimer(id uint64) (*models.TimerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	copy := *rec
	return &copy, nil
}

func (m *mockRepo) DeleteTimer(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *mockRepo) GetAllTimers() ([]*models.TimerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TimerRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		copy := *rec
		out = append(out, &copy)
	}
	return out, nil
}

type nopPopper struct{}

func (nopPopper) Pop(*models.TimerRecord) error { return nil }

func newTimer(delta int64, interval, repeatFor uint32, replicas ...string) models.Timer {
	return models.Timer{
		Timing: models.Timing{
			StartTimeDelta: delta,
			Interval:       interval,
			RepeatFor:      repeatFor,
		},
		Callback:    json.RawMessage(`{"http":{"uri":"localhost","opaque":"stuff"}}`),
		Reliability: models.Reliability{Replicas: replicas},
	}
}

func frozenStore(t *testing.T, now int64) (*store.TimerStore, *mockRepo) {
	t.Helper()
	repo := newMockRepo()
	s, err := store.NewTimerStore(repo, self, nopPopper{})
	require.NoError(t, err)
	s.SetClock(func() int64 { return now })
	return s, repo
}

func TestAddTimerStoresAndPersists(t *testing.T) {
	s, repo := frozenStore(t, 100000)

	err := s.AddTimer(4, newTimer(-235, 100, 200, self, "10.0.0.3:9999"), 0, "view-1")
	require.NoError(t, err)

	rec := s.GetTimer(4)
	require.NotNil(t, rec)
	assert.Equal(t, int64(99765), rec.NextPop)
	assert.Equal(t, "view-1", rec.ViewID)

	persisted, err := repo.GetTimer(4)
	require.NoError(t, err)
	assert.Equal(t, int64(99765), persisted.NextPop)
}

func TestAddTimerSkewsBackupReplicas(t *testing.T) {
	s, _ := frozenStore(t, 100000)

	require.NoError(t, s.AddTimer(4, newTimer(0, 100, 200, "10.0.0.2:9999", self), 1, "view-1"))

	rec := s.GetTimer(4)
	require.NotNil(t, rec)
	assert.Equal(t, int64(102000), rec.NextPop)
}

func TestTombstoneRemovesTimer(t *testing.T) {
	s, repo := frozenStore(t, 100000)
	require.NoError(t, s.AddTimer(4, newTimer(0, 100, 200, self), 0, "view-1"))
	require.Equal(t, 1, s.Len())

	tombstone := newTimer(0, 0, 100, self)
	require.NoError(t, s.AddTimer(4, tombstone, 0, "view-1"))

	assert.Equal(t, 0, s.Len())
	_, err := repo.GetTimer(4)
	assert.Error(t, err)
}

func TestAddTimerPreservesSequence(t *testing.T) {
	s, repo := frozenStore(t, 100000)
	require.NoError(t, s.AddTimer(4, newTimer(0, 100, 500, self), 0, "view-1"))

	// Simulate a pop having happened, then an update arriving.
	rec, err := repo.GetTimer(4)
	require.NoError(t, err)
	rec.Sequence = 3
	require.NoError(t, repo.PutTimer(rec))
	reloaded, err := store.NewTimerStore(repo, self, nopPopper{})
	require.NoError(t, err)
	reloaded.SetClock(func() int64 { return 100000 })

	require.NoError(t, reloaded.AddTimer(4, newTimer(50, 100, 500, self), 0, "view-1"))
	assert.Equal(t, uint32(3), reloaded.GetTimer(4).Sequence)
}

func TestGetTimersForNodePagesInPopOrder(t *testing.T) {
	s, _ := frozenStore(t, 100000)
	nodes := []string{self}

	require.NoError(t, s.AddTimer(1, newTimer(300, 100, 1000, self), 0, "view-1"))
	require.NoError(t, s.AddTimer(2, newTimer(100, 100, 1000, self), 0, "view-1"))
	require.NoError(t, s.AddTimer(3, newTimer(200, 100, 1000, self), 0, "view-1"))

	entries, more := s.GetTimersForNode(self, nodes, 2, 0, false, 2)
	require.Len(t, entries, 2)
	assert.True(t, more)
	assert.Equal(t, uint64(2), entries[0].TimerID)
	assert.Equal(t, uint64(3), entries[1].TimerID)
	assert.Equal(t, int64(100), entries[0].Timer.Timing.StartTimeDelta)

	// Advance the cursor past the first page.
	entries, more = s.GetTimersForNode(self, nodes, 2, 100200, true, 2)
	require.Len(t, entries, 1)
	assert.False(t, more)
	assert.Equal(t, uint64(1), entries[0].TimerID)
}

func TestGetTimersForNodeRewritesReplicas(t *testing.T) {
	s, _ := frozenStore(t, 100000)
	oldReplicas := []string{"10.0.0.9:9999", self}
	require.NoError(t, s.AddTimer(7, newTimer(100, 100, 1000, oldReplicas...), 1, "view-0"))

	entries, _ := s.GetTimersForNode(self, []string{self}, 2, 0, false, 10)

	require.Len(t, entries, 1)
	assert.Equal(t, oldReplicas, entries[0].OldReplicas)
	assert.Equal(t, []string{self}, entries[0].Timer.Reliability.Replicas)
}

func TestGetTimersForNodeFiltersNonReplicas(t *testing.T) {
	s, _ := frozenStore(t, 100000)
	require.NoError(t, s.AddTimer(7, newTimer(100, 100, 1000, self), 0, "view-1"))

	// A requesting node outside the post-scale set is no replica of anything.
	entries, more := s.GetTimersForNode("10.0.0.9:9999", []string{self}, 2, 0, false, 10)
	assert.Empty(t, entries)
	assert.False(t, more)
}

func TestDropReferenceRemovesOrphans(t *testing.T) {
	s, _ := frozenStore(t, 100000)
	require.NoError(t, s.AddTimer(4, newTimer(0, 100, 1000, self, "10.0.0.2:9999"), 0, "view-1"))
	require.NoError(t, s.AddTimer(5, newTimer(0, 100, 1000, "10.0.0.2:9999", "10.0.0.3:9999"), 0, "view-1"))

	s.DropReference(4, 0)
	s.DropReference(5, 0)
	s.DropReference(6, 0) // unknown id is a no-op

	assert.NotNil(t, s.GetTimer(4), "timer still replicated here must survive")
	assert.Nil(t, s.GetTimer(5), "orphaned copy must be dropped")
}

func TestReloadFromRepository(t *testing.T) {
	repo := newMockRepo()
	require.NoError(t, repo.PutTimer(&models.TimerRecord{
		ID: 9, StartTime: 1000, NextPop: 2000,
		Timer: newTimer(0, 100, 1000, self),
	}))

	s, err := store.NewTimerStore(repo, self, nopPopper{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(2000), s.GetTimer(9).NextPop)
}

func TestPopDeliversCallbackAndRetires(t *testing.T) {
	type popReq struct {
		body     string
		sequence string
	}
	pops := make(chan popReq, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		pops <- popReq{body: string(body), sequence: r.Header.Get("X-Sequence-Number")}
	}))
	defer ts.Close()

	repo := newMockRepo()
	s, err := store.NewTimerStore(repo, self, store.NewHTTPPopper(time.Second))
	require.NoError(t, err)

	timer := models.Timer{
		Timing:      models.Timing{Interval: 50, RepeatFor: 40},
		Callback:    json.RawMessage(fmt.Sprintf(`{"http":{"uri":%q,"opaque":"stuff"}}`, ts.URL)),
		Reliability: models.Reliability{Replicas: []string{self}},
	}
	require.NoError(t, s.AddTimer(4, timer, 0, "view-1"))
	s.Start()
	defer s.Stop()

	select {
	case pop := <-pops:
		assert.Equal(t, "stuff", pop.body)
		assert.Equal(t, "0", pop.sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never popped")
	}

	// One-shot: next pop would overrun repeat-for, so the timer retires.
	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPopFailureDropsLocalCopy(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Done()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	repo := newMockRepo()
	s, err := store.NewTimerStore(repo, self, store.NewHTTPPopper(time.Second))
	require.NoError(t, err)

	timer := models.Timer{
		Timing:      models.Timing{Interval: 50, RepeatFor: 1000},
		Callback:    json.RawMessage(fmt.Sprintf(`{"http":{"uri":%q,"opaque":"stuff"}}`, ts.URL)),
		Reliability: models.Reliability{Replicas: []string{self}},
	}
	require.NoError(t, s.AddTimer(4, timer, 0, "view-1"))
	s.Start()
	defer s.Stop()

	calls.Wait()
	// The failed callback drops the local copy without replication, leaving
	// the pop to another replica.
	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPopCompleteNotifiesForRecurringTimer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	repo := newMockRepo()
	s, err := store.NewTimerStore(repo, self, store.NewHTTPPopper(time.Second))
	require.NoError(t, err)

	rescheduled := make(chan *models.TimerRecord, 4)
	s.SetOnPopComplete(func(rec *models.TimerRecord) { rescheduled <- rec })

	timer := models.Timer{
		Timing:      models.Timing{Interval: 50, RepeatFor: 60000},
		Callback:    json.RawMessage(fmt.Sprintf(`{"http":{"uri":%q,"opaque":"stuff"}}`, ts.URL)),
		Reliability: models.Reliability{Replicas: []string{self}},
	}
	require.NoError(t, s.AddTimer(4, timer, 0, "view-1"))
	s.Start()
	defer s.Stop()

	select {
	case rec := <-rescheduled:
		assert.Equal(t, uint64(4), rec.ID)
		assert.Equal(t, uint32(1), rec.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("recurring timer was never rescheduled")
	}
}
