package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

// fakeCommunicator is a minimal in-memory transport.Communicator for
// exercising Device without a real network transport.
type fakeCommunicator struct {
	transport.BaseStats
	transport.Handlers

	mu        sync.Mutex
	connected bool
	sent      []*message.Message
	failSend  bool
}

func (f *fakeCommunicator) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeCommunicator) Disconnect() error                 { f.connected = false; return nil }
func (f *fakeCommunicator) IsConnected() bool                 { return f.connected }

func (f *fakeCommunicator) SendAsync(msg *message.Message) (*transport.Future, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	fut := transport.NewFuture()
	if f.failSend {
		fut.Complete(nil, assertErr)
		return fut, assertErr
	}
	fut.Complete(message.NewResponse(msg, message.StatusSuccess, nil), nil)
	return fut, nil
}

func (f *fakeCommunicator) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	_, err := f.SendAsync(msg)
	return nil, err
}

func (f *fakeCommunicator) SetQoS(transport.QoSParams)       {}
func (f *fakeCommunicator) SetCompression(bool)              {}
func (f *fakeCommunicator) SetEncryption(bool, []byte) error { return nil }

func (f *fakeCommunicator) OnMessage(cb transport.MessageHandler) { f.SetOnMessage(cb) }
func (f *fakeCommunicator) OnConnectionChanged(cb transport.ConnectionHandler) {
	f.SetOnConnectionChanged(cb)
}
func (f *fakeCommunicator) Stats() transport.Stats { return f.Snapshot() }
func (f *fakeCommunicator) ResetStats()            { f.Reset() }

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "send failed" }

func newFake() *fakeCommunicator { return &fakeCommunicator{connected: true} }

func TestAddProtocolAndActiveProtocols(t *testing.T) {
	d := New("cam-1")
	d.AddProtocol(transport.KindMQTT, newFake())
	d.AddProtocol(transport.KindTCP, newFake())

	assert.True(t, d.HasProtocol(transport.KindMQTT))
	assert.ElementsMatch(t, []transport.Kind{transport.KindMQTT, transport.KindTCP}, d.ActiveProtocols())
}

func TestRemoveProtocolDisconnectsAndForgets(t *testing.T) {
	d := New("cam-1")
	fc := newFake()
	d.AddProtocol(transport.KindTCP, fc)

	require.NoError(t, d.RemoveProtocol(transport.KindTCP))
	assert.False(t, d.HasProtocol(transport.KindTCP))
	assert.False(t, fc.IsConnected())
}

func TestSendRoutesToNamedTransportOnly(t *testing.T) {
	d := New("cam-1")
	mqtt := newFake()
	tcp := newFake()
	d.AddProtocol(transport.KindMQTT, mqtt)
	d.AddProtocol(transport.KindTCP, tcp)

	msg := &message.Message{MessageID: "m1", MessageType: message.TypeCommand, Command: "focus"}
	_, err := d.Send(msg, transport.KindMQTT)
	require.NoError(t, err)

	assert.Len(t, mqtt.sent, 1)
	assert.Len(t, tcp.sent, 0)
}

func TestSendErrorsForUnregisteredProtocol(t *testing.T) {
	d := New("cam-1")
	_, err := d.Send(&message.Message{MessageID: "m1"}, transport.KindGRPC)
	assert.Error(t, err)
}

func TestBroadcastSendsOnEveryActiveTransport(t *testing.T) {
	d := New("cam-1")
	mqtt, tcp := newFake(), newFake()
	d.AddProtocol(transport.KindMQTT, mqtt)
	d.AddProtocol(transport.KindTCP, tcp)

	results := d.Broadcast(&message.Message{MessageID: "m1", MessageType: message.TypeCommand, Command: "focus"})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Len(t, mqtt.sent, 1)
	assert.Len(t, tcp.sent, 1)
}

func TestOnMessageFansOutWithOriginatingKind(t *testing.T) {
	d := New("cam-1")
	fc := newFake()
	d.AddProtocol(transport.KindTCP, fc)

	var gotKind transport.Kind
	var gotMsg *message.Message
	d.OnMessage(func(kind transport.Kind, msg *message.Message) {
		gotKind, gotMsg = kind, msg
	})

	fc.FireMessage(&message.Message{MessageID: "inbound"})

	assert.Equal(t, transport.KindTCP, gotKind)
	require.NotNil(t, gotMsg)
	assert.Equal(t, "inbound", gotMsg.MessageID)
}

func TestOnDiscoveryFiresOnlyForDiscoveryResponse(t *testing.T) {
	d := New("cam-1")
	fc := newFake()
	d.AddProtocol(transport.KindMQTT, fc)

	var discovered int
	d.OnDiscovery(func(kind transport.Kind, msg *message.Message) {
		discovered++
	})
	var plain int
	d.OnMessage(func(kind transport.Kind, msg *message.Message) {
		plain++
	})

	fc.FireMessage(&message.Message{MessageID: "a", MessageType: message.TypeCommand})
	fc.FireMessage(&message.Message{MessageID: "b", MessageType: message.TypeDiscoveryResponse})

	assert.Equal(t, 1, discovered)
	assert.Equal(t, 2, plain)
}

func TestOnConnectionFansOutWithOriginatingKind(t *testing.T) {
	d := New("cam-1")
	fc := newFake()
	d.AddProtocol(transport.KindMQTT, fc)

	var gotKind transport.Kind
	var gotConnected bool
	d.OnConnection(func(kind transport.Kind, connected bool) {
		gotKind, gotConnected = kind, connected
	})

	fc.FireConnectionChanged(false)

	assert.Equal(t, transport.KindMQTT, gotKind)
	assert.False(t, gotConnected)
}

func TestStatusReportsPerTransportConnectivity(t *testing.T) {
	d := New("cam-1")
	mqtt := newFake()
	tcp := newFake()
	tcp.connected = false
	d.AddProtocol(transport.KindMQTT, mqtt)
	d.AddProtocol(transport.KindTCP, tcp)

	statuses := d.Status()
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		if s.Kind == transport.KindTCP {
			assert.False(t, s.Connected)
		}
		if s.Kind == transport.KindMQTT {
			assert.True(t, s.Connected)
		}
	}
}
