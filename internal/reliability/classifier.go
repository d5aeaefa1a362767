package reliability

import (
	"time"

	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
)

// IsRetryableChannelError classifies channel-level failure codes that are
// expected to clear on their own once the host is reachable again.
func IsRetryableChannelError(code string) bool {
	switch code {
	case protocol.CodePortUnavailable, protocol.CodePortDisconnected, protocol.CodeSWUnavailable:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// A non-positive cap disables capping.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	return d
}
