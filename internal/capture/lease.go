package capture

import "time"

// Lease is the host's grant of continued execution time while the process is
// backgrounded. The session renews it whenever the remaining time drops
// below the renew threshold instead of letting the recording truncate.
type Lease interface {
	// Remaining reports how much granted time is left.
	Remaining() time.Duration
	// Renew asks the host for a fresh grant.
	Renew() error
}

// NopLease is used on hosts that never suspend the process.
type NopLease struct{}

func (NopLease) Remaining() time.Duration { return time.Hour }
func (NopLease) Renew() error             { return nil }
