package domain

import "time"

// Keyword is a single spam-filter pattern. Patterns are matched as
// case-insensitive substrings of inbound text.
type Keyword struct {
	ID        int64
	Pattern   string
	CreatedAt time.Time
}
