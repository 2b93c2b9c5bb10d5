package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"hydrogen/internal/message"
)

func startBufconnServer(t *testing.T, handler Handler) (*bufconn.Listener, *Server) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	hydrogenServer := NewServer(handler)
	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, hydrogenServer)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis, hydrogenServer
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUnaryCallRoundTrip(t *testing.T) {
	lis, _ := startBufconnServer(t, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return message.NewResponse(msg, message.StatusSuccess, map[string]interface{}{"echo": msg.Command}), nil
	})
	conn := dialBufconn(t, lis)
	client := NewClient(conn)

	cmd := &message.Message{
		MessageID:   "m1",
		DeviceID:    "focuser1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
	}
	resp, err := client.SendSync(context.Background(), cmd, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", resp.OriginalMessageID)
	require.Equal(t, message.StatusSuccess, resp.Status)
}

func TestSubscribeDeliversBroadcast(t *testing.T) {
	lis, server := startBufconnServer(t, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return message.NewResponse(msg, message.StatusSuccess, nil), nil
	})
	conn := dialBufconn(t, lis)
	client := NewClient(conn)

	received := make(chan *message.Message, 1)
	client.OnMessage(func(msg *message.Message) { received <- msg })
	require.NoError(t, client.Subscribe(context.Background()))

	// give the subscribe goroutine time to register before broadcasting.
	time.Sleep(50 * time.Millisecond)
	server.Broadcast(&message.Message{
		MessageID:   "evt1",
		DeviceID:    "focuser1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeEvent,
		Event:       "temperature_changed",
	})

	select {
	case msg := <-received:
		require.Equal(t, "temperature_changed", msg.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestIngestDrainsChannelAndAcks(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	lis, _ := startBufconnServer(t, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		mu.Lock()
		handled = append(handled, msg.Command)
		mu.Unlock()
		return nil, nil
	})
	conn := dialBufconn(t, lis)
	client := NewClient(conn)

	in, done, err := client.Ingest(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		in <- &message.Message{
			MessageID:   "ingest-msg",
			DeviceID:    "focuser1",
			Timestamp:   message.NowTimestamp(time.Now()),
			MessageType: message.TypeCommand,
			Command:     "tick",
		}
	}
	close(in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingest ack")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 3)
}

func TestChannelDeliversRepliesBothWays(t *testing.T) {
	lis, _ := startBufconnServer(t, func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		return message.NewResponse(msg, message.StatusSuccess, map[string]interface{}{"echo": msg.Command}), nil
	})
	conn := dialBufconn(t, lis)
	client := NewClient(conn)

	received := make(chan *message.Message, 4)
	client.OnMessage(func(msg *message.Message) { received <- msg })

	out, err := client.Channel(context.Background())
	require.NoError(t, err)

	out <- &message.Message{
		MessageID:   "chan-msg",
		DeviceID:    "focuser1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "slew",
	}

	select {
	case msg := <-received:
		require.Equal(t, "chan-msg", msg.OriginalMessageID)
		require.Equal(t, message.StatusSuccess, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel reply")
	}

	close(out)
}
