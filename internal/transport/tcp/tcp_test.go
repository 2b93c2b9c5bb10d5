package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hydrogen/internal/message"
)

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		session := FromAccepted(conn, 1<<20)
		session.OnMessage(func(msg *message.Message) {
			reply := message.NewResponse(msg, message.StatusSuccess, nil)
			session.SendAsync(reply)
		})
	}()
	return ln.Addr().String()
}

func TestSendSyncRoundTrip(t *testing.T) {
	addr := startEchoListener(t)

	conn, err := Dial(context.Background(), DefaultConfig(addr))
	require.NoError(t, err)
	defer conn.Disconnect()

	cmd := &message.Message{
		MessageID:   "m1",
		DeviceID:    "mount1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
	}
	resp, err := conn.SendSync(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", resp.OriginalMessageID)
}

func TestSetEncryptionRejectedOverRawSocket(t *testing.T) {
	addr := startEchoListener(t)
	conn, err := Dial(context.Background(), DefaultConfig(addr))
	require.NoError(t, err)
	defer conn.Disconnect()

	require.Error(t, conn.SetEncryption(true, []byte("key")))
	require.NoError(t, conn.SetEncryption(false, nil))
}
