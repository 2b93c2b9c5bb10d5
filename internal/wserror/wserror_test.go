package wserror

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEOFAsConnectionReconnect(t *testing.T) {
	c := Classify(io.EOF)
	assert.Equal(t, CategoryConnection, c.Category)
	assert.Equal(t, ActionReconnect, c.Action)
}

func TestClassifyDeadlineExceededAsTimeoutRetry(t *testing.T) {
	c := Classify(context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, c.Category)
	assert.Equal(t, ActionRetry, c.Action)
}

func TestClassifyProtocolErrorFailsFast(t *testing.T) {
	c := Classify(NewProtocolError(errors.New("bad frame")))
	assert.Equal(t, CategoryProtocol, c.Category)
	assert.Equal(t, ActionFail, c.Action)
}

func TestClassifyHandshakeErrorFailsFast(t *testing.T) {
	c := Classify(NewHandshakeError(errors.New("tls handshake failed")))
	assert.Equal(t, CategoryHandshake, c.Category)
	assert.Equal(t, ActionFail, c.Action)
}

func TestClassifyUnknownErrorIsInternalRetry(t *testing.T) {
	c := Classify(errors.New("mystery failure"))
	assert.Equal(t, CategoryInternal, c.Category)
	assert.Equal(t, ActionRetry, c.Action)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	d1 := RetryDelay(context.DeadlineExceeded, 1)
	d5 := RetryDelay(context.DeadlineExceeded, 5)
	assert.Less(t, d1, d5)
	assert.LessOrEqual(t, d5, 30*time.Second)
}

func TestRetryDelayZeroForFailAction(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryDelay(NewProtocolError(errors.New("bad")), 1))
}

func TestReportInvokesRegisteredHandler(t *testing.T) {
	var got Classification
	RegisterHandler(func(c Classification) { got = c })
	Report(io.EOF)
	assert.Equal(t, CategoryConnection, got.Category)
}

func TestClassifyNetErrTimeout(t *testing.T) {
	c := Classify(&net.DNSError{IsTimeout: true})
	assert.Equal(t, CategoryTimeout, c.Category)
}
