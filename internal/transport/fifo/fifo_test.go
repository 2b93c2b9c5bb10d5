package fifo

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrogen/internal/message"
)

func TestNewlineFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewlineFramer{}
	require.NoError(t, f.WriteFrame(&buf, []byte("hello")))
	require.NoError(t, f.WriteFrame(&buf, []byte("world")))

	first, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first))

	second, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(second))
}

func TestLengthPrefixedFramerRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	f := LengthPrefixedFramer{MaxMessageSize: 8}
	require.NoError(t, (LengthPrefixedFramer{}).WriteFrame(&buf, []byte("this payload is far too long")))

	_, err := f.ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFraming)
}

func TestLengthPrefixedFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := LengthPrefixedFramer{MaxMessageSize: 1024}
	require.NoError(t, f.WriteFrame(&buf, []byte("abc")))

	frame, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(frame))
}

func TestCustomDelimiterFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := CustomDelimiterFramer{Delimiter: "||"}
	require.NoError(t, f.WriteFrame(&buf, []byte("payload")))
	buf.WriteString("next||")

	frame, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(frame))
}

func TestNullTerminatedFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NullTerminatedFramer{}
	require.NoError(t, f.WriteFrame(&buf, []byte("abc")))

	frame, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(frame))
}

// pipeRWC adapts an io.Pipe pair into a single io.ReadWriteCloser for tests.
type pipeRWC struct {
	io.Reader
	io.Writer
	closeOnce sync.Once
	closers   []io.Closer
}

func (p *pipeRWC) Close() error {
	p.closeOnce.Do(func() {
		for _, c := range p.closers {
			c.Close()
		}
	})
	return nil
}

func newLoopback() (*pipeRWC, *pipeRWC) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := &pipeRWC{Reader: ar, Writer: aw, closers: []io.Closer{ar, aw}}
	b := &pipeRWC{Reader: br, Writer: bw, closers: []io.Closer{br, bw}}
	return a, b
}

func TestSessionSendSyncRoundTrip(t *testing.T) {
	clientSide, serverSide := newLoopback()

	cfg := DefaultConfig("/tmp/hydrogen-test.fifo")
	client := New(cfg, func(ctx context.Context) (io.ReadWriteCloser, error) { return clientSide, nil })
	server := New(cfg, func(ctx context.Context) (io.ReadWriteCloser, error) { return serverSide, nil })

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, server.Connect(context.Background()))
	defer client.Disconnect()
	defer server.Disconnect()

	server.OnMessage(func(msg *message.Message) {
		reply := message.NewResponse(msg, message.StatusSuccess, nil)
		server.SendAsync(reply)
	})

	cmd := &message.Message{
		MessageID:   "m1",
		DeviceID:    "rotator1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
	}
	resp, err := client.SendSync(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.OriginalMessageID)
}

func TestQueueBackpressureDropsOldest(t *testing.T) {
	cfg := DefaultConfig("/tmp/hydrogen-test2.fifo")
	cfg.MaxQueueSize = 2
	s := New(cfg, nil)

	s.enqueue(&message.Message{MessageID: "a"})
	s.enqueue(&message.Message{MessageID: "b"})
	s.enqueue(&message.Message{MessageID: "c"})

	assert.Equal(t, 2, len(s.inbox))
	assert.Equal(t, "b", s.inbox[0].MessageID)
	assert.Equal(t, "c", s.inbox[1].MessageID)
}

func TestGetConnectionStateTransitions(t *testing.T) {
	clientSide, _ := newLoopback()
	cfg := DefaultConfig("/tmp/hydrogen-test3.fifo")
	cfg.EnableAutoReconnect = false
	s := New(cfg, func(ctx context.Context) (io.ReadWriteCloser, error) { return clientSide, nil })

	assert.Equal(t, StateDisconnected, s.GetConnectionState())
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.GetConnectionState())
	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.GetConnectionState())
}
