package chat

import "strings"

var sentinelReplacer = strings.NewReplacer(
	SentinelHeartbeat, "",
	SentinelInterrupted, "",
	SentinelFailed, "",
	SentinelDone, "",
)

// StripSentinels removes every occurrence of the sentinel literals without
// touching the surrounding whitespace. The replayer's DB fallback uses it on
// mid-stream text, where trimming would eat legitimate token boundaries.
func StripSentinels(raw string) string {
	return sentinelReplacer.Replace(raw)
}

// CleanResponse strips every occurrence of the sentinel literals from an
// accumulated raw response and trims surrounding whitespace. The producer
// calls it exactly once, at the final DB write.
func CleanResponse(raw string) string {
	return strings.TrimSpace(StripSentinels(raw))
}
