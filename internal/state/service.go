// Package state tracks the per-user relay state machine: the ban flag and
// the captcha verification sub-state. The durable state lives in PostgreSQL;
// the pending captcha challenge lives in Redis under a TTL, so an unanswered
// challenge simply expires and the next contact starts a fresh one.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Proton-105/forward-bot/internal/domain"
	"github.com/Proton-105/forward-bot/internal/repository"
)

const challengeKeyPrefix = "captcha:answer:"

// CaptchaMode selects how first contact is verified.
type CaptchaMode string

const (
	// CaptchaDisabled lets every user through.
	CaptchaDisabled CaptchaMode = "disable"
	// CaptchaMath challenges the user with a small arithmetic question.
	CaptchaMath CaptchaMode = "math"
)

// Action tells the relay what to do with the inbound message.
type Action int

const (
	// ActionRelay means the user is verified and the message proceeds down
	// the pipeline.
	ActionRelay Action = iota
	// ActionChallenged means a new challenge was issued; the message is
	// consumed and the Question must be sent back.
	ActionChallenged
	// ActionRetry means the answer was wrong; the message is consumed.
	ActionRetry
	// ActionPassed means this message solved the challenge; it is consumed
	// and a confirmation is sent.
	ActionPassed
)

// Screening is the outcome of running a user message through the captcha
// gate.
type Screening struct {
	Action   Action
	Question string
}

// Cache is the Redis slice the state machine needs for pending challenges.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service owns ban and verification transitions.
type Service struct {
	users repository.UserRepository
	cache Cache
	mode  CaptchaMode
	ttl   time.Duration
	log   *slog.Logger
}

// NewService constructs the state service. With CaptchaDisabled the cache is
// never touched.
func NewService(users repository.UserRepository, cache Cache, mode CaptchaMode, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Service{
		users: users,
		cache: cache,
		mode:  mode,
		ttl:   ttl,
		log:   log,
	}
}

// EnsureUser upserts the profile on every contact and returns the stored
// user, including ban and verification state.
func (s *Service) EnsureUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	existing, err := s.users.FindByID(ctx, user.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	user.LastSeen = time.Now().UTC()
	if existing != nil {
		user.Banned = existing.Banned
		user.Verification = existing.Verification
		user.CreatedAt = existing.CreatedAt
	} else {
		user.Verification = domain.VerificationNone
		if s.mode == CaptchaDisabled {
			user.Verification = domain.VerificationPassed
		}
	}

	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// Ban flags the user. Banned users' messages are dropped without reply.
func (s *Service) Ban(ctx context.Context, userID int64) error {
	return s.users.SetBanned(ctx, userID, true)
}

// Unban clears the flag.
func (s *Service) Unban(ctx context.Context, userID int64) error {
	return s.users.SetBanned(ctx, userID, false)
}

// IsBanned reports the durable ban flag. Unknown users are not banned.
func (s *Service) IsBanned(ctx context.Context, userID int64) (bool, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return user.Banned, nil
}

// MarkVerified passes the user unconditionally, used by the /verify admin
// command.
func (s *Service) MarkVerified(ctx context.Context, userID int64) error {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, challengeKey(userID)); err != nil {
			s.log.Warn("failed to drop pending challenge", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	return s.users.SetVerification(ctx, userID, domain.VerificationPassed)
}

// RevokeVerification sends the user back through the captcha gate on their
// next contact.
func (s *Service) RevokeVerification(ctx context.Context, userID int64) error {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, challengeKey(userID)); err != nil {
			s.log.Warn("failed to drop pending challenge", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	return s.users.SetVerification(ctx, userID, domain.VerificationNone)
}

// Screen runs a user message through the captcha gate. The user must come
// from EnsureUser so the verification state is current.
func (s *Service) Screen(ctx context.Context, user *domain.User, text string) (Screening, error) {
	if s.mode == CaptchaDisabled || user.Verification == domain.VerificationPassed {
		return Screening{Action: ActionRelay}, nil
	}

	if user.Verification == domain.VerificationPending {
		expected, err := s.pendingAnswer(ctx, user.ID)
		if err != nil {
			return Screening{}, err
		}
		if expected != "" {
			if strings.TrimSpace(text) == expected {
				if err := s.pass(ctx, user); err != nil {
					return Screening{}, err
				}
				return Screening{Action: ActionPassed}, nil
			}
			return Screening{Action: ActionRetry}, nil
		}
		// Challenge expired in Redis: fall through and issue a new one.
	}

	question, err := s.issueChallenge(ctx, user)
	if err != nil {
		return Screening{}, err
	}

	return Screening{Action: ActionChallenged, Question: question}, nil
}

func (s *Service) issueChallenge(ctx context.Context, user *domain.User) (string, error) {
	a := rand.IntN(9) + 1
	b := rand.IntN(9) + 1
	answer := strconv.Itoa(a + b)

	if err := s.cache.Set(ctx, challengeKey(user.ID), answer, s.ttl); err != nil {
		return "", fmt.Errorf("store challenge for user %d: %w", user.ID, err)
	}

	if user.Verification != domain.VerificationPending {
		if err := s.users.SetVerification(ctx, user.ID, domain.VerificationPending); err != nil {
			return "", err
		}
		user.Verification = domain.VerificationPending
	}

	return fmt.Sprintf("%d + %d = ?", a, b), nil
}

func (s *Service) pendingAnswer(ctx context.Context, userID int64) (string, error) {
	answer, err := s.cache.Get(ctx, challengeKey(userID))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("read challenge for user %d: %w", userID, err)
	}

	return answer, nil
}

func (s *Service) pass(ctx context.Context, user *domain.User) error {
	if err := s.users.SetVerification(ctx, user.ID, domain.VerificationPassed); err != nil {
		return err
	}
	user.Verification = domain.VerificationPassed

	if err := s.cache.Delete(ctx, challengeKey(user.ID)); err != nil {
		s.log.Warn("failed to drop solved challenge", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}

	return nil
}

func challengeKey(userID int64) string {
	return challengeKeyPrefix + strconv.FormatInt(userID, 10)
}
