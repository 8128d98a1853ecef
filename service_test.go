package quotagate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/provider/mock"
)

func newTestService(t *testing.T, store qg.AccountStore, gen qg.Generator, opts ...qg.Option) *qg.Service {
	t.Helper()
	svc, err := qg.NewService(store, gen, opts...)
	require.NoError(t, err)
	return svc
}

func TestService_SuccessRecordsUsage(t *testing.T) {
	store := seed(t, limited("u1", 3))
	gen := mock.New(mock.WithResponse("a poem"))
	m := &recordingMeter{}
	svc := newTestService(t, store, gen, qg.WithMeter(m))

	res, err := svc.Generate(context.Background(), "u1", qg.Request{Prompt: "write a poem"})
	require.NoError(t, err)
	assert.Equal(t, "a poem", res.Text)
	assert.Equal(t, qg.Limited(2), res.Remaining)
	assert.Equal(t, "u1", res.Event.AccountID)
	assert.Equal(t, int64(1), gen.CallCount())

	acc := get(t, store, "u1")
	assert.Equal(t, int64(2), acc.Quota.Remaining())
	assert.Equal(t, int64(1), acc.TotalUsed)

	require.Len(t, m.generations, 1)
	assert.True(t, m.generations[0].Success)
	require.Len(t, m.usage, 1)

	events, err := store.UsageSince(context.Background(), "u1", epoch.AddDate(-1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestService_GeneratorFailureReleasesUse(t *testing.T) {
	store := seed(t, limited("u1", 1))
	gen := mock.New(mock.WithError(qg.ErrRateLimited))
	svc := newTestService(t, store, gen)

	_, err := svc.Generate(context.Background(), "u1", qg.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, qg.ErrRateLimited)
	assert.True(t, qg.IsGeneratorFailure(err))

	acc := get(t, store, "u1")
	assert.Equal(t, int64(1), acc.Quota.Remaining(), "failed generation must not cost a use")
	assert.Equal(t, int64(0), acc.TotalUsed)
}

func TestService_DeniedDoesNotCallGenerator(t *testing.T) {
	banned := limited("banned", 5)
	banned.Banned = true
	store := seed(t, limited("empty", 0), banned)
	gen := mock.New()
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "empty", qg.Request{Prompt: "hi"})
	var denied *qg.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, qg.ReasonQuotaExhausted, denied.Decision.Reason)
	assert.ErrorIs(t, err, qg.ErrDenied)

	_, err = svc.Generate(ctx, "banned", qg.Request{Prompt: "hi"})
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, qg.ReasonBanned, denied.Decision.Reason)

	_, err = svc.Generate(ctx, "ghost", qg.Request{Prompt: "hi"})
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, qg.ReasonUnauthenticated, denied.Decision.Reason)

	assert.Equal(t, int64(0), gen.CallCount())
}

func TestService_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	store := seed(t, limited("u1", 10))
	gen := mock.New(mock.WithFailAfter(1))
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "u1", qg.Request{Prompt: "ok"})
	require.NoError(t, err)

	for range 3 {
		_, err = svc.Generate(ctx, "u1", qg.Request{Prompt: "fails"})
		require.ErrorIs(t, err, qg.ErrGeneratorUnavailable)
	}

	_, err = svc.Generate(ctx, "u1", qg.Request{Prompt: "short-circuited"})
	require.ErrorIs(t, err, qg.ErrGeneratorUnavailable)
	assert.Equal(t, int64(4), gen.CallCount(), "open circuit must not reach the generator")

	acc := get(t, store, "u1")
	assert.Equal(t, int64(9), acc.Quota.Remaining())
	assert.Equal(t, int64(1), acc.TotalUsed)
}

func TestService_ValidatesPrompt(t *testing.T) {
	store := seed(t, limited("u1", 5))
	gen := mock.New()
	svc := newTestService(t, store, gen, qg.WithMaxPromptBytes(8))
	ctx := context.Background()

	_, err := svc.Generate(ctx, "u1", qg.Request{Prompt: "   "})
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)

	_, err = svc.Generate(ctx, "u1", qg.Request{Prompt: strings.Repeat("x", 9)})
	assert.ErrorIs(t, err, qg.ErrInvalidArgument)

	assert.Equal(t, int64(0), gen.CallCount())
	assert.Equal(t, int64(5), get(t, store, "u1").Quota.Remaining())
}

func TestService_RetriedRequestIDIsDuplicate(t *testing.T) {
	store := seed(t, limited("u1", 5))
	svc := newTestService(t, store, mock.New())
	ctx := context.Background()

	_, err := svc.Generate(ctx, "u1", qg.Request{Prompt: "hi", RequestID: "r-1"})
	require.NoError(t, err)

	_, err = svc.Generate(ctx, "u1", qg.Request{Prompt: "hi", RequestID: "r-1"})
	assert.ErrorIs(t, err, qg.ErrDuplicateRequest)
	assert.Equal(t, int64(4), get(t, store, "u1").Quota.Remaining())
}

func TestService_RetryAfterFailedGenerationSucceeds(t *testing.T) {
	store := seed(t, limited("u1", 5))
	var calls int
	gen := mock.New(mock.WithResponseFunc(func(string) (string, error) {
		calls++
		if calls == 1 {
			return "", qg.ErrGeneratorUnavailable
		}
		return "second try", nil
	}))
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "u1", qg.Request{Prompt: "hi", RequestID: "r-1"})
	require.ErrorIs(t, err, qg.ErrGeneratorUnavailable)
	assert.Equal(t, int64(5), get(t, store, "u1").Quota.Remaining())

	res, err := svc.Generate(ctx, "u1", qg.Request{Prompt: "hi", RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "second try", res.Text)
	assert.Equal(t, int64(4), get(t, store, "u1").Quota.Remaining())
}

func TestService_RequestIDsAreScopedToAccount(t *testing.T) {
	store := seed(t, limited("a", 2), limited("b", 2))
	svc := newTestService(t, store, mock.New())
	ctx := context.Background()

	_, err := svc.Generate(ctx, "a", qg.Request{Prompt: "hi", RequestID: "k"})
	require.NoError(t, err)
	_, err = svc.Generate(ctx, "b", qg.Request{Prompt: "hi", RequestID: "k"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), get(t, store, "a").Quota.Remaining())
	assert.Equal(t, int64(1), get(t, store, "b").Quota.Remaining())
}

func TestService_RecordRetriesTransientCommitFailure(t *testing.T) {
	store := &commitFailStore{AccountStore: seed(t, limited("u1", 3))}
	store.failCommits.Store(1)
	m := &recordingMeter{}
	svc := newTestService(t, store, mock.New(), qg.WithRetry(3, time.Millisecond), qg.WithMeter(m))

	res, err := svc.Generate(context.Background(), "u1", qg.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.commits.Load())
	assert.Empty(t, m.records)

	acc := get(t, store, "u1")
	assert.Equal(t, int64(2), acc.Quota.Remaining())
	assert.Equal(t, int64(1), acc.TotalUsed)
	require.Len(t, m.usage, 1)
	assert.Equal(t, res.Event.ID, m.usage[0].ID)
}

func TestService_RecordFailureIsReported(t *testing.T) {
	store := &commitFailStore{AccountStore: seed(t, limited("u1", 3))}
	store.failCommits.Store(100)
	m := &recordingMeter{}
	svc := newTestService(t, store, mock.New(), qg.WithRetry(2, time.Millisecond), qg.WithMeter(m))

	_, err := svc.Generate(context.Background(), "u1", qg.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, qg.ErrStoreUnavailable)

	require.Len(t, m.records, 1)
	assert.Equal(t, "u1", m.records[0].AccountID)
	assert.NotEmpty(t, m.records[0].ReservationID)
	assert.Equal(t, 2, m.records[0].Attempts)
	assert.ErrorIs(t, m.records[0].Error, qg.ErrStoreUnavailable)

	// The reserved use stays debited; the action already happened.
	assert.Equal(t, int64(2), get(t, store, "u1").Quota.Remaining())
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := qg.NewService(nil, mock.New())
	assert.Error(t, err)

	_, err = qg.NewService(seed(t), nil)
	assert.Error(t, err)
}
