package domain

import "time"

// Verification describes the captcha sub-state of a user.
type Verification string

const (
	// VerificationNone means the user has never been challenged, or their
	// last challenge expired unanswered.
	VerificationNone Verification = "none"
	// VerificationPending means a challenge is outstanding; inbound messages
	// are not forwarded until it is answered or expires.
	VerificationPending Verification = "pending"
	// VerificationPassed means the user answered a challenge correctly.
	VerificationPassed Verification = "passed"
)

// User represents an end user known to the relay, created on first contact.
type User struct {
	ID           int64
	FirstName    string
	LastName     string
	Username     string
	Banned       bool
	Verification Verification
	LastSeen     time.Time
	CreatedAt    time.Time
}
