package domain

import "time"

// Topic maps an end user to the forum thread inside the operator group that
// carries their conversation. The mapping is one-to-one: at most one topic
// per user, at most one user per topic.
type Topic struct {
	ID        int64 // forum thread id assigned by the transport
	UserID    int64
	CreatedAt time.Time
}
