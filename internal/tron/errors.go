package tron

import (
	"errors"
	"fmt"
)

// ErrTxNotFound indicates the node does not know the transaction yet.
var ErrTxNotFound = errors.New("transaction not found")

// BroadcastError is a node-side rejection of a signed transaction.
type BroadcastError struct {
	NodeCode string
	Message  string
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s (%s)", e.NodeCode, e.Message)
}

// Temporary reports whether the rejection is worth retrying. Signature
// and validation failures are permanent; congestion and expiry are not.
func (e *BroadcastError) Temporary() bool {
	switch e.NodeCode {
	case "SERVER_BUSY", "TRANSACTION_EXPIRATION_ERROR", "BANDWITH_ERROR", "NOT_ENOUGH_EFFECTIVE_CONNECTION":
		return true
	}
	return false
}

// IsPermanentBroadcastError reports whether err is a node rejection
// that retrying cannot fix.
func IsPermanentBroadcastError(err error) bool {
	var be *BroadcastError
	if errors.As(err, &be) {
		return !be.Temporary()
	}
	return false
}
