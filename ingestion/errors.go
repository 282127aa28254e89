package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrBatchMalformed is returned when an incoming message body cannot be
// decoded into a DataPointBatch.
var ErrBatchMalformed = errors.New("malformed data point batch")

// TransportErrorKind is the closed set of failure modes the storage
// transport can produce. The orchestrator classifies on these tags rather
// than on error text.
type TransportErrorKind int

const (
	// TransportTimeout is a request that exceeded its deadline.
	TransportTimeout TransportErrorKind = iota + 1
	// TransportConnectionFailed is a connection that could not be
	// established or was dropped mid-request.
	TransportConnectionFailed
	// TransportRejected is a non-2xx response from the storage engine.
	TransportRejected
)

// TransportError is a tagged failure from the time-series transport.
// Status and Body are populated for TransportRejected.
type TransportError struct {
	Kind   TransportErrorKind
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case TransportTimeout:
		return fmt.Sprintf("storage write timed out: %v", e.Err)
	case TransportConnectionFailed:
		return fmt.Sprintf("storage connection failed: %v", e.Err)
	case TransportRejected:
		return fmt.Sprintf("storage rejected write: status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("storage transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient infrastructure failure
// that queue redelivery should absorb. Everything else is treated as
// non-retryable so a poison message cannot stall its partition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == TransportTimeout || te.Kind == TransportConnectionFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
