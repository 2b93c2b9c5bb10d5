package zmq

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hydrogen/internal/message"
)

func startREPListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		session := FromAccepted(conn, SocketREP)
		session.OnMessage(func(msg *message.Message) {
			reply := message.NewResponse(msg, message.StatusSuccess, nil)
			session.SendAsync(reply)
		})
	}()
	return ln.Addr().String()
}

func TestREQSendSyncRoundTrip(t *testing.T) {
	addr := startREPListener(t)

	conn, err := Dial(context.Background(), DefaultConfig(addr, SocketREQ))
	require.NoError(t, err)
	defer conn.Disconnect()

	cmd := &message.Message{
		MessageID:   "m1",
		DeviceID:    "dome1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
	}
	resp, err := conn.SendSync(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", resp.OriginalMessageID)
}

func TestSUBSocketRejectsSend(t *testing.T) {
	addr := startREPListener(t)
	conn, err := Dial(context.Background(), DefaultConfig(addr, SocketSUB))
	require.NoError(t, err)
	defer conn.Disconnect()

	_, err = conn.SendAsync(&message.Message{
		MessageID:   "m2",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "noop",
	})
	require.Error(t, err)
}
