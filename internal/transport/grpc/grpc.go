// Package grpc implements the gRPC Communicator (spec.md §4.4.1). Hydrogen
// has no .proto-compiled stubs to build against, so the wire envelope is the
// pre-generated google.golang.org/protobuf/types/known/wrapperspb.BytesValue
// message carrying a serialized Message, and the service itself is wired
// through a hand-built grpc.ServiceDesc — a documented grpc-go extension
// point (used the same way by reverse-proxying servers that have no static
// schema) rather than codegen'd *_grpc.pb.go stubs. The service shape
// (unary call, server-stream subscribe, client-stream ingest, bidi channel)
// is grounded on CommBusServer (coreengine/grpc/commbus_server.go in
// jeeves-core's pack entry), the only gRPC service in the corpus.
package grpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

const serviceName = "hydrogen.Transport"

// Handler is implemented by the server side: it receives a decoded Message
// and returns the reply to send back on the unary path, or nil to indicate
// a fire-and-forget command with no synchronous reply.
type Handler func(ctx context.Context, msg *message.Message) (*message.Message, error)

// ServiceDesc is the hand-built descriptor registered with a *grpc.Server via
// grpc.Server.RegisterService. impl must be a *Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "Ingest", Handler: ingestHandler, ClientStreams: true},
		{StreamName: "Channel", Handler: channelHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "hydrogen/transport.proto",
}

// Server is the server-side implementation registered against ServiceDesc.
type Server struct {
	handler Handler
	// eventSubs fans fire-and-forget events out to every active Subscribe
	// stream, mirroring CommBusServer.notifySubscribers's
	// map[string][]chan pattern generalized to a single flat broadcast list.
	mu        sync.Mutex
	eventSubs map[int]chan *message.Message
	nextSubID int
}

// NewServer builds a Server whose unary/client-stream traffic is routed
// through handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler, eventSubs: make(map[int]chan *message.Message)}
}

// Broadcast pushes msg to every open Subscribe stream; a frame for a slow
// subscriber is dropped rather than blocking the broadcaster, and the
// subscription stays open (spec.md §8: "a slow reader
// drops frames before it stalls the writer").
func (s *Server) Broadcast(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.eventSubs {
		select {
		case ch <- msg:
		default:
			_ = id // slow subscriber; frame dropped, subscription stays open
		}
	}
}

func (s *Server) addSub() (int, chan *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan *message.Message, 64)
	s.eventSubs[id] = ch
	return id, ch
}

func (s *Server) removeSub(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventSubs, id)
}

func decodeWire(b *wrapperspb.BytesValue) (*message.Message, error) {
	return message.Deserialize(b.GetValue())
}

func encodeWire(msg *message.Message) (*wrapperspb.BytesValue, error) {
	data, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}
	return &wrapperspb.BytesValue{Value: data}, nil
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/Call"}
	handlerFn := func(ctx context.Context, req any) (any, error) {
		return s.call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handlerFn)
}

func (s *Server) call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	msg, err := decodeWire(in)
	if err != nil {
		return nil, fmt.Errorf("grpc: decode: %w", err)
	}
	reply, err := s.handler(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		reply = message.NewResponse(msg, message.StatusSuccess, nil)
	}
	return encodeWire(reply)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	id, ch := s.addSub()
	defer s.removeSub(id)

	for {
		select {
		case msg := <-ch:
			out, err := encodeWire(msg)
			if err != nil {
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func ingestHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	for {
		in := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(in)
		if err == io.EOF {
			return stream.SendMsg(&wrapperspb.BytesValue{})
		}
		if err != nil {
			return err
		}
		msg, err := decodeWire(in)
		if err != nil {
			continue
		}
		if _, err := s.handler(stream.Context(), msg); err != nil {
			return err
		}
	}
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		msg, err := decodeWire(in)
		if err != nil {
			continue
		}
		reply, err := s.handler(stream.Context(), msg)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		out, err := encodeWire(reply)
		if err != nil {
			continue
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
}

// Client is the client-side Communicator, driving the hand-built service
// through *grpc.ClientConn.Invoke/NewStream rather than generated stubs.
type Client struct {
	transport.BaseStats
	transport.Handlers

	conn      *grpc.ClientConn
	connected atomic.Bool

	channelMu     sync.Mutex
	channelStream grpc.ClientStream

	pendingMu sync.Mutex
	pending   map[string]*transport.Future
}

// NewClient wraps an already-dialed *grpc.ClientConn (callers build the
// dial options themselves since TLS/keepalive policy is deployment-specific).
func NewClient(conn *grpc.ClientConn) *Client {
	c := &Client{conn: conn, pending: make(map[string]*transport.Future)}
	c.connected.Store(true)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	c.connected.Store(true)
	c.FireConnectionChanged(true)
	return nil
}

func (c *Client) Disconnect() error {
	c.connected.Store(false)
	c.FireConnectionChanged(false)
	return c.conn.Close()
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// SendAsync issues a unary Call RPC in a goroutine and resolves the returned
// Future with its reply.
func (c *Client) SendAsync(msg *message.Message) (*transport.Future, error) {
	in, err := encodeWire(msg)
	if err != nil {
		return nil, err
	}
	future := transport.NewFuture()
	go func() {
		start := time.Now()
		out := new(wrapperspb.BytesValue)
		err := c.conn.Invoke(context.Background(), "/"+serviceName+"/Call", in, out)
		if err != nil {
			c.RecordError()
			future.Complete(nil, err)
			return
		}
		c.RecordRoundTrip(time.Since(start))
		reply, err := decodeWire(out)
		if err != nil {
			future.Complete(nil, err)
			return
		}
		c.RecordReceived()
		future.Complete(reply, nil)
	}()
	c.RecordSent()
	return future, nil
}

func (c *Client) SendSync(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	in, err := encodeWire(msg)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(callCtx, "/"+serviceName+"/Call", in, out); err != nil {
		c.RecordError()
		if callCtx.Err() != nil {
			c.RecordTimeout()
		}
		return nil, err
	}
	c.RecordRoundTrip(time.Since(start))
	c.RecordSent()
	c.RecordReceived()
	return decodeWire(out)
}

// Subscribe opens the server-streaming Subscribe RPC and delivers every
// event to the registered MessageHandler until ctx is done.
func (c *Client) Subscribe(ctx context.Context) error {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Subscribe")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&wrapperspb.BytesValue{}); err != nil {
		return err
	}
	go func() {
		for {
			out := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(out); err != nil {
				c.Disconnect()
				return
			}
			c.RecordReceived()
			msg, err := decodeWire(out)
			if err != nil {
				c.RecordError()
				continue
			}
			c.FireMessage(msg)
		}
	}()
	return nil
}

// Ingest opens the client-streaming Ingest RPC. The caller writes messages
// onto the returned channel; a drain goroutine calls stream.SendMsg for
// each one and, once the channel is closed, CloseSend followed by a single
// RecvMsg for the server's final acknowledgement, delivering the outcome
// on the returned error channel.
func (c *Client) Ingest(ctx context.Context) (chan<- *message.Message, <-chan error, error) {
	desc := &grpc.StreamDesc{StreamName: "Ingest", ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Ingest")
	if err != nil {
		return nil, nil, err
	}

	in := make(chan *message.Message, 64)
	done := make(chan error, 1)

	go func() {
		for msg := range in {
			wire, err := encodeWire(msg)
			if err != nil {
				c.RecordError()
				continue
			}
			if err := stream.SendMsg(wire); err != nil {
				c.RecordError()
				done <- err
				close(done)
				return
			}
			c.RecordSent()
		}
		if err := stream.CloseSend(); err != nil {
			done <- err
			close(done)
			return
		}
		ack := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(ack)
		if err == io.EOF {
			err = nil
		}
		done <- err
		close(done)
	}()

	return in, done, nil
}

// Channel opens the bidirectional-streaming Channel RPC, serialized through
// channelMu so only one bidi stream is active per Client at a time. One
// goroutine drains the returned outbound channel and calls stream.SendMsg;
// a second calls stream.RecvMsg in a loop and fires every reply through the
// registered MessageHandler, matching the one-goroutine-per-direction shape
// the subscribe/ingest drivers above use for their single direction.
func (c *Client) Channel(ctx context.Context) (chan<- *message.Message, error) {
	c.channelMu.Lock()
	defer c.channelMu.Unlock()
	if c.channelStream != nil {
		return nil, fmt.Errorf("grpc: a Channel stream is already open")
	}

	desc := &grpc.StreamDesc{StreamName: "Channel", ServerStreams: true, ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Channel")
	if err != nil {
		return nil, err
	}
	c.channelStream = stream

	out := make(chan *message.Message, 64)

	go func() {
		for msg := range out {
			wire, err := encodeWire(msg)
			if err != nil {
				c.RecordError()
				continue
			}
			if err := stream.SendMsg(wire); err != nil {
				c.RecordError()
				return
			}
			c.RecordSent()
		}
		stream.CloseSend()
	}()

	go func() {
		for {
			in := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(in); err != nil {
				c.channelMu.Lock()
				c.channelStream = nil
				c.channelMu.Unlock()
				return
			}
			c.RecordReceived()
			msg, err := decodeWire(in)
			if err != nil {
				c.RecordError()
				continue
			}
			c.FireMessage(msg)
		}
	}()

	return out, nil
}

func (c *Client) OnMessage(cb transport.MessageHandler)             { c.SetOnMessage(cb) }
func (c *Client) OnConnectionChanged(cb transport.ConnectionHandler) { c.SetOnConnectionChanged(cb) }
func (c *Client) Stats() transport.Stats                             { return c.Snapshot() }
func (c *Client) ResetStats()                                        { c.Reset() }
func (c *Client) SetQoS(transport.QoSParams)                         {}
func (c *Client) SetCompression(bool)                                {}

// SetEncryption is unsupported here: TLS for a gRPC client is configured via
// grpc.WithTransportCredentials at dial time, before NewClient is called.
func (c *Client) SetEncryption(enabled bool, key []byte) error {
	if enabled {
		return fmt.Errorf("grpc: configure transport credentials at Dial time")
	}
	return nil
}
