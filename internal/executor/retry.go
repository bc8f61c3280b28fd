package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sunwire/tronsweep/internal/keyvault"
	"github.com/sunwire/tronsweep/internal/registry"
	"github.com/sunwire/tronsweep/internal/tron"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 15 * time.Minute
)

// Permanent reports whether a sweep failure is not worth retrying.
// Custody faults and node rejections with a non-transient code would
// burn every retry without any chance of succeeding, so they fail the
// item on the first attempt.
func Permanent(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is shutdown, not a verdict on the item
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, keyvault.ErrVaultLocked) ||
		errors.Is(err, keyvault.ErrIndexExhausted) {
		return true
	}

	if errors.Is(err, registry.ErrAddressNotFound) ||
		errors.Is(err, registry.ErrInsufficientBalance) {
		return true
	}

	return tron.IsPermanentBroadcastError(err)
}

// RetryDelay returns the exponential backoff before the next attempt.
func RetryDelay(retryCount int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
