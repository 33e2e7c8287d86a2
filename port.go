package warren

import "sync"

// PortState is the state machine driving one Port record: a port is born Uninitialized (or
// Receiving, for a locally created pair), moves to Receiving once its peer
// is known, and from there either closes directly or, if transferred,
// passes through Buffering and Proxying on its way to being erased.
type PortState int

const (
	PortUninitialized PortState = iota
	PortReceiving
	PortBuffering
	PortProxying
	PortClosed
)

func (s PortState) String() string {
	switch s {
	case PortUninitialized:
		return "Uninitialized"
	case PortReceiving:
		return "Receiving"
	case PortBuffering:
		return "Buffering"
	case PortProxying:
		return "Proxying"
	case PortClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PortStatus is a snapshot of a Port's observable state, returned by
// Node.GetStatus.
type PortStatus struct {
	HasMessages bool
	PeerClosed  bool
}

// deferredSend is the payload of Port.sendOnProxyRemoval: a message to be
// fired the instant this proxy dissolves. It holds either the
// ObserveProxyAck the port could not answer definitively because it was
// itself still proxying, or an ObserveClosure that arrived while the port
// was still Buffering.
type deferredSend struct {
	node    NodeName
	message *Message
}

// Port is the record of one endpoint. Every field below mu is only ever
// touched while holding mu; see doc.go for the lock hierarchy this
// participates in.
type Port struct {
	mu sync.Mutex

	state    PortState
	peerNode NodeName
	peerPort PortName

	nextSequenceNumToSend    uint64
	lastSequenceNumToReceive uint64

	queue *MessageQueue

	removeProxyOnLastMessage bool
	peerClosed               bool
	sendOnProxyRemoval       *deferredSend

	userData any

	// outgoingMessages and outgoingPorts hold traffic sent while the port
	// was still Uninitialized. InitializePort flushes both once the real
	// peer is known.
	outgoingMessages []*Message
	outgoingPorts    []*Port
}

func newPort(nextSequenceNumToSend, nextSequenceNumToReceive uint64) *Port {
	return &Port{
		state:                    PortUninitialized,
		nextSequenceNumToSend:    nextSequenceNumToSend,
		lastSequenceNumToReceive: invalidSequenceNum,
		queue:                    NewMessageQueue(nextSequenceNumToReceive),
	}
}

// canAcceptMoreMessages reports whether this port, having already observed
// the peer's closure or armed proxy removal, might still see another
// in-order message. Once the queue's cursor passes the announced last
// sequence number, no more messages will ever be in order for this port.
func (p *Port) canAcceptMoreMessages() bool {
	nextSequenceNum := p.queue.NextSequenceNum()
	if p.peerClosed || p.removeProxyOnLastMessage {
		if p.lastSequenceNumToReceive == nextSequenceNum-1 {
			return false
		}
	}
	return true
}
