package registry

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/peerd/internal/addr"
	"grimm.is/peerd/internal/wire"
)

// queueSize bounds the per-connection outbound queue. A client that
// falls this far behind is cut off rather than blocking the sender.
const queueSize = 512

// CommandKind tags the entries of a connection's command queue.
type CommandKind int

const (
	// CmdExit tells the writer to terminate.
	CmdExit CommandKind = iota
	// CmdProcessRequest carries an inbound request from the reader.
	CmdProcessRequest
	// CmdSendResponse carries an outbound message for the client.
	CmdSendResponse
)

// Command is one entry of the command queue.
type Command struct {
	Kind     CommandKind
	Request  *wire.StreamRequest
	Response *wire.StreamResponse
}

// ClientConn is one live client stream. The reader side enqueues
// requests and EXIT, the registry and RPC handlers enqueue responses,
// and a single writer drains the queue in order.
type ClientConn struct {
	// ID identifies this particular stream in logs; the same client
	// gets a fresh one on every reconnect.
	ID   string
	ASN  addr.ASN
	Name string

	mu     sync.Mutex
	queue  chan Command
	closed bool
}

func newClientConn(asn addr.ASN, name string) *ClientConn {
	return &ClientConn{
		ID:    uuid.NewString(),
		ASN:   asn,
		Name:  name,
		queue: make(chan Command, queueSize),
	}
}

// Commands is the writer's end of the queue. The channel is closed
// when the connection is torn down.
func (c *ClientConn) Commands() <-chan Command {
	return c.queue
}

// EnqueueRequest hands an inbound request to the writer. Reports
// whether the command was accepted.
func (c *ClientConn) EnqueueRequest(req *wire.StreamRequest) bool {
	return c.enqueue(Command{Kind: CmdProcessRequest, Request: req})
}

// EnqueueResponse queues an outbound message. Reports whether the
// command was accepted.
func (c *ClientConn) EnqueueResponse(resp *wire.StreamResponse) bool {
	return c.enqueue(Command{Kind: CmdSendResponse, Response: resp})
}

// Exit asks the writer to terminate after draining nothing further.
func (c *ClientConn) Exit() {
	c.enqueue(Command{Kind: CmdExit})
}

// enqueue is non-blocking. On overflow the connection is closed: a
// client that stopped reading must not stall everyone else.
func (c *ClientConn) enqueue(cmd Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- cmd:
		return true
	default:
		c.closed = true
		close(c.queue)
		return false
	}
}

// close shuts the queue down. Further enqueues become no-ops.
func (c *ClientConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}
