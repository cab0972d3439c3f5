package domain

// AutoReplyRule describes one automatic response. Rules are evaluated in
// insertion order and the first match wins. StartTime/EndTime, when set,
// restrict the rule to a time-of-day window ("HH:MM"); a window where start
// is after end wraps past midnight.
type AutoReplyRule struct {
	ID        int64
	Pattern   string
	IsRegex   bool
	Response  string
	StartTime string
	EndTime   string
	Position  int
}
