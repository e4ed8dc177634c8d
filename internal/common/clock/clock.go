// Package clock provides the millisecond wall clock and unique ID
// generation used across the admin core.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// lastMS holds the most recently returned timestamp so that NowMS never
// goes backwards even if the wall clock does.
var lastMS atomic.Int64

// NowMS returns the current wall-clock time in milliseconds. Successive
// calls never decrease.
func NowMS() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastMS.Load()
		if now <= last {
			return last
		}
		if lastMS.CompareAndSwap(last, now) {
			return now
		}
	}
}

// NewID returns a fresh UUIDv4 string. Used for task ids, activity and log
// entry ids, provision nonces, and the pair token.
func NewID() string {
	return uuid.New().String()
}
