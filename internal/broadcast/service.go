// Package broadcast fans one operator message out to every active user.
// The target set is a snapshot taken when the broadcast starts; deliveries
// run with bounded parallelism under the shared outbound rate limit, and a
// broadcast is not persisted, so a restart abandons whatever was in flight.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Proton-105/forward-bot/internal/ratelimit"
	"github.com/Proton-105/forward-bot/internal/repository"
	"github.com/Proton-105/forward-bot/internal/transport"
)

// maxReportedFailures caps the per-target failure list in the report; the
// counts stay exact.
const maxReportedFailures = 20

// Failure records one undeliverable target.
type Failure struct {
	UserID int64
	Err    error
}

// Report summarizes a finished broadcast.
type Report struct {
	Total    int
	Sent     int
	Failed   int
	Failures []Failure
}

// UserSender is the transport slice a broadcast needs.
type UserSender interface {
	SendToUser(ctx context.Context, userID int64, p transport.Payload) (int, error)
}

// Service runs broadcasts.
type Service struct {
	users       repository.UserRepository
	sender      UserSender
	limiter     ratelimit.Limiter
	concurrency int
	log         *slog.Logger
}

// NewService constructs the broadcast service. limiter may be nil to send
// unpaced.
func NewService(users repository.UserRepository, sender UserSender, limiter ratelimit.Limiter, concurrency int, log *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		users:       users,
		sender:      sender,
		limiter:     limiter,
		concurrency: concurrency,
		log:         log,
	}
}

// Send delivers the payload to every non-banned user known at call time and
// returns the per-target outcome. A canceled ctx stops new deliveries;
// already-started ones finish.
func (s *Service) Send(ctx context.Context, p transport.Payload) (Report, error) {
	targets, err := s.users.ListActiveIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Total: len(targets)}
	if len(targets) == 0 {
		return report, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.concurrency)
	)

	for _, userID := range targets {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			sendErr := s.deliver(ctx, userID, p)

			mu.Lock()
			defer mu.Unlock()
			if sendErr != nil {
				report.Failed++
				if len(report.Failures) < maxReportedFailures {
					report.Failures = append(report.Failures, Failure{UserID: userID, Err: sendErr})
				}
				return
			}
			report.Sent++
		}(userID)
	}

	wg.Wait()

	s.log.Info("broadcast finished",
		slog.Int("total", report.Total),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
	)

	return report, ctx.Err()
}

func (s *Service) deliver(ctx context.Context, userID int64, p transport.Payload) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err := s.sender.SendToUser(ctx, userID, p)
	if err != nil {
		s.log.Warn("broadcast delivery failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}

	return err
}
