// Package wserror classifies transport-layer errors into a
// {category, severity, recoveryAction} triple (spec.md §4.10), generalized
// from a NewCloudError-style {Code, Message, Retryable} shape and from the
// atomic global-registry idiom a circuit breaker package commonly uses,
// applied here to the process-wide classified-event handler slot.
package wserror

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category names the transport failure class.
type Category string

const (
	CategoryConnection   Category = "CONNECTION"
	CategoryTimeout      Category = "TIMEOUT"
	CategoryProtocol     Category = "PROTOCOL"
	CategoryHandshake    Category = "HANDSHAKE"
	CategoryInternal     Category = "INTERNAL"
	CategoryRemoteClosed Category = "REMOTE_CLOSED"
)

// Action names the recovery action a classified error implies.
type Action string

const (
	ActionNone      Action = "NONE"
	ActionRetry     Action = "RETRY"
	ActionReconnect Action = "RECONNECT"
	ActionFail      Action = "FAIL"
)

// Classification is the result of Classify.
type Classification struct {
	Category Category
	Severity string
	Action   Action
	Err      error
}

// protocolError marks an error as a framing/envelope violation so Classify
// can route it to PROTOCOL/FAIL without string-sniffing.
type protocolError struct{ err error }

func (p *protocolError) Error() string { return p.err.Error() }
func (p *protocolError) Unwrap() error { return p.err }

// NewProtocolError wraps err so Classify treats it as a protocol violation.
func NewProtocolError(err error) error { return &protocolError{err: err} }

// handshakeError marks a TLS/WebSocket-upgrade failure.
type handshakeError struct{ err error }

func (h *handshakeError) Error() string { return h.err.Error() }
func (h *handshakeError) Unwrap() error { return h.err }

// NewHandshakeError wraps err so Classify treats it as a handshake failure.
func NewHandshakeError(err error) error { return &handshakeError{err: err} }

// Classify maps a transport error to its category/severity/recovery action
// (spec.md §4.10).
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryInternal, Severity: "LOW", Action: ActionNone}
	}

	var protoErr *protocolError
	if errors.As(err, &protoErr) {
		return Classification{Category: CategoryProtocol, Severity: "HIGH", Action: ActionFail, Err: err}
	}
	var hsErr *handshakeError
	if errors.As(err, &hsErr) {
		return Classification{Category: CategoryHandshake, Severity: "HIGH", Action: ActionFail, Err: err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isConnReset(err) {
		return Classification{Category: CategoryConnection, Severity: "MEDIUM", Action: ActionReconnect, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Category: CategoryTimeout, Severity: "MEDIUM", Action: ActionRetry, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTimeout, Severity: "MEDIUM", Action: ActionRetry, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return Classification{Category: CategoryTimeout, Severity: "MEDIUM", Action: ActionRetry, Err: err}
		case codes.Unavailable:
			return Classification{Category: CategoryConnection, Severity: "MEDIUM", Action: ActionReconnect, Err: err}
		case codes.InvalidArgument, codes.Unimplemented:
			return Classification{Category: CategoryProtocol, Severity: "HIGH", Action: ActionFail, Err: err}
		}
	}

	return Classification{Category: CategoryInternal, Severity: "MEDIUM", Action: ActionRetry, Err: err}
}

func isConnReset(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}
	return false
}

// RetryDelay implements the classifier's exposed retryDelay(err, attempt):
// exponential backoff bounded to 30s, seeded off the classification's
// action (NONE/FAIL imply no further retries are useful).
func RetryDelay(err error, attempt int) time.Duration {
	c := Classify(err)
	if c.Action == ActionNone || c.Action == ActionFail {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := 200 * time.Millisecond
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// Handler receives every classified event for logging and aggregate
// statistics; RegisterHandler installs the process-wide slot.
type Handler func(Classification)

var (
	globalHandler atomic.Pointer[Handler]
	statsMu       sync.Mutex
	stats         = map[Category]uint64{}
)

// RegisterHandler installs the global classified-event handler, replacing
// any previous one.
func RegisterHandler(h Handler) {
	globalHandler.Store(&h)
}

// Report classifies err, updates aggregate statistics, and forwards the
// result to the registered global handler (if any).
func Report(err error) Classification {
	c := Classify(err)
	statsMu.Lock()
	stats[c.Category]++
	statsMu.Unlock()

	if hp := globalHandler.Load(); hp != nil {
		(*hp)(c)
	}
	return c
}

// Statistics returns a snapshot of classified-event counts by category.
func Statistics() map[Category]uint64 {
	statsMu.Lock()
	defer statsMu.Unlock()
	out := make(map[Category]uint64, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}
