package conn

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	// ErrInvalidFrameSig is returned when the ED25519 signature of a frame does not verify.
	ErrInvalidFrameSig = errors.New("invalid frame signature")
	// ErrNoHandler is returned to a requester when no RPC handler is registered for the tag.
	ErrNoHandler = errors.New("no handler for the request")
)

const (
	kindMessage uint8 = iota
	kindRequest
)

// Frame is what travels on the wire after the type byte. Payload is the msgpack
// encoding of the message and Sig the sender's ED25519 signature over Payload.
type Frame struct {
	Sender  string
	Kind    uint8
	Payload []byte
	Sig     []byte
}

// Response answers a request frame on the same connection.
type Response struct {
	Error   string
	Payload []byte
}

// Message is a verified inbound one-way message.
type Message struct {
	Sender string
	Tag    uint8
	Msg    interface{} // pointer to the type registered for Tag
}

// Verifier checks the signature of a frame sent by sender.
type Verifier func(sender string, payload, sig []byte) bool

// Handler serves one request type. req is a pointer to the registered type.
type Handler func(sender string, req interface{}) (interface{}, error)

/*
NetworkTransport provides a network based transport that can be
used to communicate with the remote nodes. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

This transport is very simple and lightweight. Each frame is prefixed by a
byte that indicates the message type, followed by the msgpack Frame carrying
the sender, the payload and its signature. One-way messages are delivered on
MsgChan; requests are answered on the same connection by the Handler
registered for their type.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	msgCh chan Message // msgCh is used to transfer data between NetworkTransport and outer variable (e.g., Node)

	reflectedTypesMap map[uint8]reflect.Type

	name       string
	privateKey ed25519.PrivateKey
	verify     Verifier

	handlers     map[uint8]Handler
	handlersLock sync.RWMutex

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

var handle = &codec.MsgpackHandle{}

// MsgChan returns the msgCh field of the NetworkTransport.
func (n *NetworkTransport) MsgChan() <-chan Message {
	return n.msgCh
}

// RegisterHandler installs the handler serving requests of type tag.
func (n *NetworkTransport) RegisterHandler(tag uint8, h Handler) {
	n.handlersLock.Lock()
	defer n.handlersLock.Unlock()
	n.handlers[tag] = h
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if n.IsShutdown() {
				return
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(connCtx, func() { conn.Close() })
	defer stop()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, handle)
	enc := codec.NewEncoder(w, handle)

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, dec, enc); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.Error("failed to decode incoming command", "error", err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.Error("failed to flush response", "error", err)
			return
		}
	}
}

// handleMsg is used to decode and dispatch a single frame.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	// Get the msg type
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	reflectedType, ok := n.reflectedTypesMap[rpcType]
	if !ok {
		return fmt.Errorf("type of the msg (%d) is unknown", rpcType)
	}
	var frame Frame
	if err := dec.Decode(&frame); err != nil {
		return err
	}
	if n.verify != nil && !n.verify(frame.Sender, frame.Payload, frame.Sig) {
		// the stream is still aligned, drop the frame but keep the connection
		n.logger.Warn("dropping frame", "type", rpcType, "sender", frame.Sender, "error", ErrInvalidFrameSig)
		if frame.Kind == kindRequest {
			return enc.Encode(&Response{Error: ErrInvalidFrameSig.Error()})
		}
		return nil
	}
	msgBody := reflect.New(reflectedType).Interface()
	if err := codec.NewDecoderBytes(frame.Payload, handle).Decode(msgBody); err != nil {
		return err
	}

	if frame.Kind == kindRequest {
		return enc.Encode(n.serve(rpcType, frame.Sender, msgBody))
	}

	select {
	case n.msgCh <- Message{Sender: frame.Sender, Tag: rpcType, Msg: msgBody}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

func (n *NetworkTransport) serve(tag uint8, sender string, req interface{}) *Response {
	n.handlersLock.RLock()
	h, ok := n.handlers[tag]
	n.handlersLock.RUnlock()
	if !ok {
		return &Response{Error: ErrNoHandler.Error()}
	}
	resp, err := h(sender, req)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	payload, err := encode(resp)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{Payload: payload}
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.streamCtxLock.Lock()
		n.streamCancel()
		n.streamCtxLock.Unlock()
		n.shutdown = true

		n.connPoolLock.Lock()
		for target, conns := range n.connPool {
			for _, c := range conns {
				c.Release()
			}
			delete(n.connPool, target)
		}
		n.connPoolLock.Unlock()
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	// Dial a new connection
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netC := &NetConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}

	netC.enc = codec.NewEncoder(netC.w, handle)
	netC.dec = codec.NewDecoder(netC.r, handle)

	//Done
	return netC, nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	// Check for an exiting conn
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool.
// To avoid establishing connections repeatedly, try to maintain the net connection for later reusage.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]

	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	// Name and PrivateKey sign outgoing frames.
	Name       string
	PrivateKey ed25519.PrivateKey

	// Verify checks inbound frames, nil accepts everything.
	Verify Verifier

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply I/O deadlines to dials and requests.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "narwhal-net",
			Output: os.Stderr,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		msgCh:             make(chan Message, 1024),
		reflectedTypesMap: config.ReflectedTypesMap,
		name:              config.Name,
		privateKey:        config.PrivateKey,
		verify:            config.Verify,
		handlers:          make(map[uint8]Handler),
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

func encode(msg interface{}) ([]byte, error) {
	var payload []byte
	if err := codec.NewEncoderBytes(&payload, handle).Encode(msg); err != nil {
		return nil, err
	}
	return payload, nil
}

func (n *NetworkTransport) frame(kind uint8, msg interface{}) (*Frame, error) {
	payload, err := encode(msg)
	if err != nil {
		return nil, err
	}
	f := &Frame{Sender: n.name, Kind: kind, Payload: payload}
	if n.privateKey != nil {
		f.Sig = ed25519.Sign(n.privateKey, payload)
	}
	return f, nil
}

// SendMsg is used to encode and send the msg.
func SendMsg(conn *NetConn, rpcType uint8, frame *Frame) error {
	// Write the msg type
	if err := conn.w.WriteByte(rpcType); err != nil {
		conn.Release()
		return err
	}

	// Send the frame
	if err := conn.enc.Encode(frame); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// Send signs msg and sends it to the transport listening at target.
func (n *NetworkTransport) Send(target string, rpcType uint8, msg interface{}) error {
	frame, err := n.frame(kindMessage, msg)
	if err != nil {
		return err
	}
	netConn, err := n.GetConn(target)
	if err != nil {
		return err
	}
	if err := SendMsg(netConn, rpcType, frame); err != nil {
		return err
	}
	return n.ReturnConn(netConn)
}

// Request sends req to target and decodes the answer into resp. The request is
// bounded by ctx and by the transport timeout.
func (n *NetworkTransport) Request(ctx context.Context, target string, rpcType uint8, req, resp interface{}) error {
	frame, err := n.frame(kindRequest, req)
	if err != nil {
		return err
	}
	netConn, err := n.GetConn(target)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(n.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	netConn.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { netConn.conn.SetDeadline(time.Now()) })

	if err := SendMsg(netConn, rpcType, frame); err != nil {
		stop()
		return err
	}
	var response Response
	err = netConn.dec.Decode(&response)
	if !stop() || err != nil {
		netConn.Release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	netConn.conn.SetDeadline(time.Time{})
	if err := n.ReturnConn(netConn); err != nil {
		return err
	}
	if response.Error != "" {
		return &RemoteError{Target: target, Message: response.Error}
	}
	return codec.NewDecoderBytes(response.Payload, handle).Decode(resp)
}

// RemoteError is an error returned by the handler of a peer.
type RemoteError struct {
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Target, e.Message)
}
