package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/forward-bot/internal/domain"
	"github.com/Proton-105/forward-bot/internal/transport"
)

type staticUserRepo struct {
	ids []int64
	err error
}

func (r *staticUserRepo) FindByID(context.Context, int64) (*domain.User, error) { return nil, nil }
func (r *staticUserRepo) Upsert(context.Context, *domain.User) error            { return nil }
func (r *staticUserRepo) SetBanned(context.Context, int64, bool) error          { return nil }
func (r *staticUserRepo) SetVerification(context.Context, int64, domain.Verification) error {
	return nil
}

func (r *staticUserRepo) ListActiveIDs(context.Context) ([]int64, error) {
	return r.ids, r.err
}

type recordingSender struct {
	mu       sync.Mutex
	sent     []int64
	failFor  map[int64]error
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (s *recordingSender) SendToUser(_ context.Context, userID int64, _ transport.Payload) (int, error) {
	cur := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer s.inFlight.Add(-1)

	if err, ok := s.failFor[userID]; ok {
		return 0, err
	}

	s.mu.Lock()
	s.sent = append(s.sent, userID)
	s.mu.Unlock()
	return 1, nil
}

func ids(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestSend_ReportsCounts(t *testing.T) {
	errBlocked := errors.New("bot was blocked by the user")
	sender := &recordingSender{failFor: map[int64]error{2: errBlocked, 4: errBlocked}}
	svc := NewService(&staticUserRepo{ids: ids(5)}, sender, nil, 2, nil)

	report, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f.Err, errBlocked)
	}
}

func TestSend_EmptyAudience(t *testing.T) {
	svc := NewService(&staticUserRepo{}, &recordingSender{}, nil, 2, nil)

	report, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestSend_SnapshotErrorAborts(t *testing.T) {
	repoErr := errors.New("db down")
	svc := NewService(&staticUserRepo{err: repoErr}, &recordingSender{}, nil, 2, nil)

	_, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	assert.ErrorIs(t, err, repoErr)
}

func TestSend_FailureListIsCapped(t *testing.T) {
	failFor := make(map[int64]error)
	for _, id := range ids(50) {
		failFor[id] = errors.New("unreachable")
	}
	sender := &recordingSender{failFor: failFor}
	svc := NewService(&staticUserRepo{ids: ids(50)}, sender, nil, 8, nil)

	report, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 50, report.Failed)
	assert.Len(t, report.Failures, maxReportedFailures)
}

func TestSend_HonorsConcurrencyBound(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(&staticUserRepo{ids: ids(40)}, sender, nil, 3, nil)

	report, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 40, report.Sent)
	assert.LessOrEqual(t, sender.peak.Load(), int64(3))
}

type countingLimiter struct {
	calls atomic.Int64
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

func TestSend_WaitsOnLimiterPerDelivery(t *testing.T) {
	limiter := &countingLimiter{}
	svc := NewService(&staticUserRepo{ids: ids(10)}, &recordingSender{}, limiter, 4, nil)

	_, err := svc.Send(context.Background(), transport.Payload{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, int64(10), limiter.calls.Load())
}

func TestSend_CancelledContextStopsNewDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &recordingSender{}
	svc := NewService(&staticUserRepo{ids: ids(30)}, sender, nil, 2, nil)

	report, err := svc.Send(ctx, transport.Payload{Text: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Sent)
}
