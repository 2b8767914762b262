package chat

// Status is the lifecycle state of a chat. Transitions are monotone:
// an active chat moves to exactly one of the terminal states and never back.
type Status string

const (
	StatusActive      Status = "active"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// Sentinels are in-band placeholder tokens the producer pushes through the
// token buffer and the local channel. They mark liveness and terminal
// conditions and are never delivered to clients as content. The literals are
// part of the persistence format (partial DB writes contain them), so they
// must not change.
const (
	SentinelHeartbeat   = "<:<alive>:>"
	SentinelInterrupted = "<:<interrupt>:>"
	SentinelFailed      = "<:<failed>:>"
	SentinelDone        = "<:<done>:>"
)

// IsSentinel reports whether chunk is one of the four sentinel literals.
func IsSentinel(chunk string) bool {
	switch chunk {
	case SentinelHeartbeat, SentinelInterrupted, SentinelFailed, SentinelDone:
		return true
	}
	return false
}

// TerminalSentinel maps a terminal status to the sentinel the producer emits
// as the last buffer entry. Exactly one terminal sentinel is emitted per chat.
func TerminalSentinel(s Status) string {
	switch s {
	case StatusInterrupted:
		return SentinelInterrupted
	case StatusFailed:
		return SentinelFailed
	default:
		return SentinelDone
	}
}
