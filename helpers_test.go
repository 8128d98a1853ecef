package quotagate_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/store/memory"
)

var epoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seed inserts accounts into a fresh memory store.
func seed(t *testing.T, accounts ...qg.Account) *memory.Store {
	t.Helper()
	s := memory.New()
	for _, acc := range accounts {
		if acc.CreatedAt.IsZero() {
			acc.CreatedAt = epoch
		}
		require.NoError(t, s.Create(context.Background(), acc))
	}
	return s
}

func limited(id string, n int64) qg.Account {
	return qg.Account{ID: id, Handle: id, Quota: qg.Limited(n)}
}

func get(t *testing.T, s qg.AccountStore, id string) qg.Account {
	t.Helper()
	acc, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	return acc
}

// flakyStore fails the first failReads GetByID calls as unavailable.
type flakyStore struct {
	qg.AccountStore
	failReads atomic.Int64
	reads     atomic.Int64
}

func (f *flakyStore) GetByID(ctx context.Context, id string) (qg.Account, error) {
	f.reads.Add(1)
	if f.failReads.Add(-1) >= 0 {
		return qg.Account{}, qg.Unavailable("flaky: get", context.DeadlineExceeded)
	}
	return f.AccountStore.GetByID(ctx, id)
}

// vanishingStore reports the account as gone on every write, as if it
// were deleted between the read and the debit.
type vanishingStore struct {
	qg.AccountStore
}

func (v vanishingStore) Consume(context.Context, string, time.Time) (qg.Account, qg.UsageEvent, error) {
	return qg.Account{}, qg.UsageEvent{}, qg.ErrNotFound
}

// commitFailStore fails the first failCommits Commit calls as unavailable.
type commitFailStore struct {
	qg.AccountStore
	failCommits atomic.Int64
	commits     atomic.Int64
}

func (c *commitFailStore) Commit(ctx context.Context, res qg.Reservation, now time.Time) (qg.UsageEvent, error) {
	c.commits.Add(1)
	if c.failCommits.Add(-1) >= 0 {
		return qg.UsageEvent{}, qg.Unavailable("flaky: commit", context.DeadlineExceeded)
	}
	return c.AccountStore.Commit(ctx, res, now)
}

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu          sync.Mutex
	decisions   []qg.DecisionEvent
	usage       []qg.UsageEvent
	admin       []qg.AdminEvent
	generations []qg.GenerationEvent
	records     []qg.RecordErrorEvent
}

func (m *recordingMeter) OnDecision(e qg.DecisionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, e)
}

func (m *recordingMeter) OnUsage(e qg.UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, e)
}

func (m *recordingMeter) OnAdmin(e qg.AdminEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admin = append(m.admin, e)
}

func (m *recordingMeter) OnGeneration(e qg.GenerationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations = append(m.generations, e)
}

func (m *recordingMeter) OnRecordError(e qg.RecordErrorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, e)
}
