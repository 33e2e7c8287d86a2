package warren

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// NodeDelegate supplies everything a Node cannot decide for itself: names,
// message storage, and how to actually reach another node. A Node never
// touches a network or a name generator directly.
type NodeDelegate interface {
	// GenerateRandomPortName returns a PortName not currently in use
	// anywhere in the fabric. Collisions are treated as a delegate bug.
	GenerateRandomPortName() (PortName, error)

	// AllocMessage returns a Message whose three regions are exactly
	// numHeaderBytes, numPayloadBytes and numPortsBytes long, zeroed.
	AllocMessage(numHeaderBytes, numPayloadBytes, numPortsBytes int) (*Message, error)

	// ForwardMessage delivers message to node. If node is the local node's
	// own name, the delegate must eventually call Node.AcceptMessage again,
	// asynchronously with respect to this call.
	ForwardMessage(node NodeName, message *Message) error

	// PortStatusChanged notifies that GetStatus(port) or GetMessage(port)
	// may now report something new: a message became available, or the
	// peer closed.
	PortStatusChanged(port PortName)
}

// Node is one participant in the fabric: the set of Ports it hosts, plus
// the bookkeeping needed to route messages to and from them. All of a
// Node's exported methods are safe for concurrent use.
//
// Lock hierarchy, outermost first: sendWithPortsMu, then portsMu, then a
// given Port's own mu, then localMu. No code path acquires two of these
// out of order. A Port's mu is held while calling into the delegate on
// several paths (the buffered-send flush, forwarding a proxy's queued
// messages, and sending the proxy-removal and closure events), which is
// why NodeDelegate.ForwardMessage must never call back into the Node
// synchronously.
type Node struct {
	name     NodeName
	delegate NodeDelegate

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	portsMu sync.Mutex
	ports   map[PortName]*Port

	// sendWithPortsMu serialises the port-taking phase of SendMessage
	// across every send that embeds ports, so two concurrent sends can
	// never both believe they took the same port.
	sendWithPortsMu sync.Mutex

	localMu           sync.Mutex
	localMessages     []*Message
	isDeliveringLocal bool
}

// NewNode creates a Node identified by name, routing through delegate.
func NewNode(name NodeName, delegate NodeDelegate, opts ...Option) *Node {
	cfg := config{
		logHandler: slog.Default().Handler(),
		msink:      &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	n := &Node{
		name:         name,
		delegate:     delegate,
		logger:       slog.New(cfg.logHandler).With(LabelNode.L(name.String())),
		msink:        cfg.msink,
		metricLabels: cfg.metricLabels,
		ports:        make(map[PortName]*Port),
	}
	metrics.NewGlobal(&metrics.Config{ServiceName: "warren", EnableHostname: false, EnableRuntimeMetrics: false}, n.msink)
	return n
}

// Name returns this Node's own identity.
func (n *Node) Name() NodeName { return n.name }

func (n *Node) incr(key []string, extra ...metrics.Label) {
	labels := n.metricLabels
	if len(extra) > 0 {
		labels = append(append([]metrics.Label{}, n.metricLabels...), extra...)
	}
	n.msink.IncrCounterWithLabels(key, 1, labels)
}

func (n *Node) getPort(name PortName) *Port {
	n.portsMu.Lock()
	defer n.portsMu.Unlock()
	return n.ports[name]
}

func (n *Node) addPortWithName(name PortName, port *Port) error {
	n.portsMu.Lock()
	if _, exists := n.ports[name]; exists {
		n.portsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortExists, name)
	}
	n.ports[name] = port
	n.portsMu.Unlock()
	n.incr(MetricPortsCreated)
	n.logger.Debug("port created", LabelPort.L(name.String()))
	return nil
}

// erasePort drops name from the routing table. It may be called while the
// caller already holds that port's own mu: erasePort never itself blocks
// on a Port's mu, only on portsMu, so no cycle is possible.
func (n *Node) erasePort(name PortName) {
	n.portsMu.Lock()
	delete(n.ports, name)
	n.portsMu.Unlock()
	n.incr(MetricPortsErased)
	n.logger.Debug("port erased", LabelPort.L(name.String()))
}

// CreateUninitializedPort allocates a port with no known peer yet. Sends
// on it are buffered until InitializePort supplies the peer.
func (n *Node) CreateUninitializedPort() (PortName, error) {
	name, err := n.delegate.GenerateRandomPortName()
	if err != nil {
		return InvalidPortName, err
	}
	port := newPort(initialSequenceNum, initialSequenceNum)
	if err := n.addPortWithName(name, port); err != nil {
		return InvalidPortName, err
	}
	return name, nil
}

// InitializePort supplies the peer of a port created by
// CreateUninitializedPort, transitioning it to Receiving and flushing any
// traffic that was buffered while it waited.
func (n *Node) InitializePort(portName PortName, peerNode NodeName, peerPort PortName) error {
	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}

	port.mu.Lock()
	if port.state != PortUninitialized {
		port.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	port.peerNode = peerNode
	port.peerPort = peerPort
	port.state = PortReceiving
	n.flushOutgoingMessagesLocked(port)
	port.mu.Unlock()

	n.delegate.PortStatusChanged(portName)
	return nil
}

// flushOutgoingMessagesLocked sends everything that queued up in
// port.outgoingMessages/outgoingPorts while port was Uninitialized. Called
// with port.mu held, once port.peerNode/peerPort are finally known.
func (n *Node) flushOutgoingMessagesLocked(port *Port) {
	for _, op := range port.outgoingPorts {
		op.mu.Lock()
		op.peerNode = port.peerNode
		op.mu.Unlock()
	}
	port.outgoingPorts = nil

	for _, msg := range port.outgoingMessages {
		msg.SetHeaderPortName(port.peerPort)
		if err := n.delegate.ForwardMessage(port.peerNode, msg); err != nil {
			n.logger.Error("failed to flush buffered message", LabelPeerNode.L(port.peerNode.String()), LabelError.L(err))
		}
	}
	port.outgoingMessages = nil
}

// CreatePortPair creates two Receiving ports, each other's peer, ready to
// exchange messages locally. It creates both as Uninitialized ports and
// then runs InitializePort on each.
func (n *Node) CreatePortPair() (PortName, PortName, error) {
	name0, err := n.CreateUninitializedPort()
	if err != nil {
		return InvalidPortName, InvalidPortName, err
	}
	name1, err := n.CreateUninitializedPort()
	if err != nil {
		return InvalidPortName, InvalidPortName, err
	}
	if err := n.InitializePort(name0, n.name, name1); err != nil {
		return InvalidPortName, InvalidPortName, err
	}
	if err := n.InitializePort(name1, n.name, name0); err != nil {
		return InvalidPortName, InvalidPortName, err
	}
	return name0, name1, nil
}

// SetUserData attaches an opaque value to a port for the caller's own
// bookkeeping. It is never inspected by the core and never travels with
// the port across a transfer.
func (n *Node) SetUserData(portName PortName, data any) error {
	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state == PortClosed {
		return fmt.Errorf("%w: %s is closed", ErrPortStateUnexpected, portName)
	}
	port.userData = data
	return nil
}

// GetUserData returns whatever was last passed to SetUserData for
// portName.
func (n *Node) GetUserData(portName PortName) (any, error) {
	port := n.getPort(portName)
	if port == nil {
		return nil, fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state == PortClosed {
		return nil, fmt.Errorf("%w: %s is closed", ErrPortStateUnexpected, portName)
	}
	return port.userData, nil
}

// GetStatus reports whether portName has a message ready and whether its
// peer has closed.
func (n *Node) GetStatus(portName PortName) (PortStatus, error) {
	port := n.getPort(portName)
	if port == nil {
		return PortStatus{}, fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != PortReceiving {
		return PortStatus{}, fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	return PortStatus{
		HasMessages: port.queue.HasNextMessage(),
		PeerClosed:  port.peerClosed,
	}, nil
}

// GetMessage returns the next in-order message queued for portName, or nil
// if none is ready yet.
func (n *Node) GetMessage(portName PortName) (*Message, error) {
	return n.GetMessageIf(portName, nil)
}

// GetMessageIf returns the next in-order message queued for portName if
// selector accepts it (or selector is nil), or nil if none is ready or
// selector rejected the head of the queue. It returns ErrPeerClosed once
// the peer has announced closure and every message it promised has
// already been delivered.
func (n *Node) GetMessageIf(portName PortName, selector func(*Message) bool) (*Message, error) {
	port := n.getPort(portName)
	if port == nil {
		return nil, fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}

	port.mu.Lock()
	if port.state != PortReceiving {
		port.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	if !port.canAcceptMoreMessages() {
		port.mu.Unlock()
		return nil, ErrPeerClosed
	}
	msg := port.queue.GetNextMessageIf(selector)
	port.mu.Unlock()

	if msg == nil {
		return nil, nil
	}

	for i := 0; i < msg.NumPorts(); i++ {
		accepted := n.getPort(msg.PortAt(i))
		if accepted == nil {
			continue
		}
		accepted.mu.Lock()
		accepted.queue.SetSignalable(true)
		hasNext := accepted.queue.HasNextMessage()
		accepted.mu.Unlock()
		if hasNext {
			n.delegate.PortStatusChanged(msg.PortAt(i))
		}
	}

	n.incr(MetricMessagesDelivered)
	return msg, nil
}

// AllocMessage sizes and allocates a Message ready to carry numPayloadBytes
// of user payload and numPorts embedded ports, delegating the actual
// storage to the NodeDelegate.
func (n *Node) AllocMessage(numPayloadBytes, numPorts int) (*Message, error) {
	numHeaderBytes := sizeEventHeader + sizeUserEventData + numPorts*sizePortDescriptor
	msg, err := n.delegate.AllocMessage(numHeaderBytes, numPayloadBytes, numPorts*16)
	if err != nil {
		return nil, err
	}
	msg.SetEventHeader(InvalidPortName, EventTypeUser)
	msg.SetUserNumPorts(uint32(numPorts))
	return msg, nil
}

// ClosePort closes portName, notifying its peer with the last sequence
// number it sent so the peer's proxy chain (if any) can eventually
// dissolve.
func (n *Node) ClosePort(portName PortName) error {
	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}

	port.mu.Lock()
	if port.state != PortReceiving {
		port.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	port.state = PortClosed
	lastSequenceNum := port.nextSequenceNumToSend - 1
	peerNode := port.peerNode
	peerPort := port.peerPort
	port.mu.Unlock()

	n.erasePort(portName)

	msg, err := n.newInternalMessage(peerPort, EventTypeObserveClosure, sizeObserveClosureEventData)
	if err != nil {
		return err
	}
	msg.SetObserveClosureLastSequenceNum(lastSequenceNum)
	return n.delegate.ForwardMessage(peerNode, msg)
}

// SendMessage sends message out of portName. message must not embed
// portName itself, nor the port currently peered with portName.
func (n *Node) SendMessage(portName PortName, message *Message) error {
	for i := 0; i < message.NumPorts(); i++ {
		if message.PortAt(i) == portName {
			return fmt.Errorf("%w: %s", ErrCannotSendSelf, portName)
		}
	}

	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}

	port.mu.Lock()
	if port.state != PortReceiving && port.state != PortUninitialized {
		port.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	if port.state == PortReceiving && port.peerClosed {
		port.mu.Unlock()
		return ErrPeerClosed
	}

	takenPorts, err := n.willSendMessageLocked(port, portName, message)
	if err != nil {
		port.mu.Unlock()
		return err
	}

	if port.state == PortUninitialized {
		port.outgoingMessages = append(port.outgoingMessages, message)
		port.outgoingPorts = append(port.outgoingPorts, takenPorts...)
		port.mu.Unlock()
		return nil
	}

	peerNode := port.peerNode
	port.mu.Unlock()

	n.incr(MetricMessagesSent)
	if peerNode != n.name {
		return n.delegate.ForwardMessage(peerNode, message)
	}
	n.deliverLocal(message)
	return nil
}

// willSendMessageLocked stamps message with a sequence number (if it does
// not already carry one) and, for each port it embeds, takes that port:
// locks it, validates it, and rewrites both the message's copy of its name
// and its PortDescriptor to describe the fresh name it will have at the
// destination. Called with port.mu held. Returns the ports taken, still
// live, for the caller to fold into an Uninitialized port's outgoingPorts
// if the send itself had to be buffered.
func (n *Node) willSendMessageLocked(port *Port, portName PortName, message *Message) ([]*Port, error) {
	stampedFresh := false
	seq := message.UserSequenceNum()
	if seq == 0 {
		seq = port.nextSequenceNumToSend
		port.nextSequenceNumToSend++
		message.SetUserSequenceNum(seq)
		stampedFresh = true
	}

	numPorts := message.NumPorts()
	var taken []*Port
	if numPorts > 0 {
		// Reject a message embedding the destination port (this port's
		// own peer) before locking anything: that name comparison only needs fields we
		// already hold under port.mu, and checking it first means we
		// never lock an embedded port we were always going to reject.
		for i := 0; i < numPorts; i++ {
			if message.PortAt(i) == port.peerPort {
				if stampedFresh {
					port.nextSequenceNumToSend--
				}
				return nil, fmt.Errorf("%w: %s", ErrCannotSendPeer, message.PortAt(i))
			}
		}

		taken = make([]*Port, numPorts)
		localNames := make([]PortName, numPorts)

		n.sendWithPortsMu.Lock()
		lockedUpTo := -1
		var takeErr error
		for i := 0; i < numPorts; i++ {
			name := message.PortAt(i)
			p := n.getPort(name)
			if p == nil {
				takeErr = fmt.Errorf("%w: %s", ErrPortUnknown, name)
				break
			}
			p.mu.Lock()
			lockedUpTo = i
			taken[i] = p
			if p.state != PortReceiving {
				takeErr = fmt.Errorf("%w: embedded port %s is %s", ErrPortStateUnexpected, name, p.state)
				break
			}
			localNames[i] = name
		}
		if takeErr != nil {
			for i := 0; i <= lockedUpTo; i++ {
				taken[i].mu.Unlock()
			}
			n.sendWithPortsMu.Unlock()
			if stampedFresh {
				port.nextSequenceNumToSend--
			}
			return nil, takeErr
		}
		n.sendWithPortsMu.Unlock()

		for i := 0; i < numPorts; i++ {
			newName, pd, err := n.willSendPortLocked(taken[i], port.peerNode, localNames[i])
			if err != nil {
				for j := 0; j < numPorts; j++ {
					taken[j].mu.Unlock()
				}
				if stampedFresh {
					port.nextSequenceNumToSend--
				}
				return nil, err
			}
			message.SetPortAt(i, newName)
			message.SetPortDescriptorAt(i, pd)
		}
		for i := 0; i < numPorts; i++ {
			taken[i].mu.Unlock()
		}
		n.incr(MetricPortsTransferred)
	}

	message.SetHeaderPortName(port.peerPort)
	return taken, nil
}

// willSendPortLocked transitions p into Buffering on its way to another
// node, generating the fresh name it will be known by there and the
// PortDescriptor the destination needs to recreate it. Called with p.mu
// held.
func (n *Node) willSendPortLocked(p *Port, toNode NodeName, localName PortName) (PortName, PortDescriptor, error) {
	newName, err := n.delegate.GenerateRandomPortName()
	if err != nil {
		return InvalidPortName, PortDescriptor{}, err
	}
	pd := PortDescriptor{
		PeerNode:                 p.peerNode,
		PeerPort:                 p.peerPort,
		ReferringNode:            n.name,
		ReferringPort:            localName,
		NextSequenceNumToSend:    p.nextSequenceNumToSend,
		NextSequenceNumToReceive: p.queue.NextSequenceNum(),
	}
	p.peerNode = toNode
	p.peerPort = newName
	p.state = PortBuffering
	return newName, pd, nil
}

// deliverLocal appends message to this Node's loopback queue and, if no
// other goroutine is already draining it, drains it in-line. This keeps a
// chain of local sends from recursing through SendMessage/AcceptMessage
// one stack frame per hop.
func (n *Node) deliverLocal(message *Message) {
	n.localMu.Lock()
	drain := !n.isDeliveringLocal
	n.isDeliveringLocal = true
	n.localMessages = append(n.localMessages, message)
	n.localMu.Unlock()

	if !drain {
		return
	}

	for {
		n.localMu.Lock()
		if len(n.localMessages) == 0 {
			n.isDeliveringLocal = false
			n.localMu.Unlock()
			return
		}
		next := n.localMessages[0]
		n.localMessages = n.localMessages[1:]
		n.localMu.Unlock()

		if err := n.AcceptMessage(next); err != nil {
			n.logger.Error("local delivery failed", LabelError.L(err))
		}
	}
}

// AcceptMessage is the single entry point for messages arriving from a
// NodeDelegate, whether from the network or looped back locally. Errors
// from control-plane events are logged and the message dropped; they never
// propagate into aborting the Node.
func (n *Node) AcceptMessage(message *Message) error {
	portName, eventType := message.EventHeader()

	var err error
	switch eventType {
	case EventTypeUser:
		err = n.onUserMessage(message)
	case EventTypePortAccepted:
		err = n.onPortAccepted(portName)
	case EventTypeObserveProxy:
		err = n.onObserveProxy(portName, message)
	case EventTypeObserveProxyAck:
		err = n.onObserveProxyAck(portName, message.ObserveProxyAckLastSequenceNum())
	case EventTypeObserveClosure:
		err = n.onObserveClosure(portName, message.ObserveClosureLastSequenceNum())
	default:
		err = ErrNotImplemented
	}

	if err != nil {
		n.incr(MetricMessagesDropped, LabelEvent.M(eventType.String()))
		n.logger.Warn("dropping message", LabelEvent.L(eventType.String()), LabelPort.L(portName.String()), LabelError.L(err))
	}
	return err
}

func (n *Node) onUserMessage(message *Message) error {
	portName, _ := message.EventHeader()
	numPorts := message.NumPorts()

	for i := 0; i < numPorts; i++ {
		if err := n.acceptPort(message.PortAt(i), message.PortDescriptorAt(i)); err != nil {
			return err
		}
	}

	port := n.getPort(portName)
	messageAccepted := false
	hasNextMessage := false
	if port != nil {
		port.mu.Lock()
		if port.canAcceptMoreMessages() {
			messageAccepted = true
			hasNextMessage = port.queue.AcceptMessage(message)
			switch port.state {
			case PortBuffering:
				hasNextMessage = false
			case PortProxying:
				hasNextMessage = false
				if err := n.forwardMessagesLocked(port, portName); err != nil {
					port.mu.Unlock()
					return err
				}
				n.maybeRemoveProxyLocked(port, portName)
			}
		}
		port.mu.Unlock()
	}

	if !messageAccepted {
		n.incr(MetricMessagesDropped, LabelEvent.M(EventTypeUser.String()))
		for i := 0; i < numPorts; i++ {
			name := message.PortAt(i)
			if n.getPort(name) != nil {
				if err := n.ClosePort(name); err != nil {
					n.logger.Warn("failed to close orphaned port", LabelPort.L(name.String()), LabelError.L(err))
				}
			}
		}
		return nil
	}

	if hasNextMessage {
		n.delegate.PortStatusChanged(portName)
	}
	return nil
}

// forwardMessagesLocked re-sends every message already queued for a port
// that has just become a Proxying hop, addressed onward to its peer.
// Called with port.mu held.
func (n *Node) forwardMessagesLocked(port *Port, portName PortName) error {
	for {
		msg := port.queue.GetNextMessageIf(nil)
		if msg == nil {
			return nil
		}
		if _, err := n.willSendMessageLocked(port, portName, msg); err != nil {
			return err
		}
		n.incr(MetricMessagesForwarded)
		if err := n.delegate.ForwardMessage(port.peerNode, msg); err != nil {
			return err
		}
	}
}

// initiateProxyRemovalLocked asks this proxy's peer to acknowledge it can
// be bypassed. Called with port.mu held.
func (n *Node) initiateProxyRemovalLocked(port *Port, portName PortName) error {
	msg, err := n.newInternalMessage(port.peerPort, EventTypeObserveProxy, sizeObserveProxyEventData)
	if err != nil {
		return err
	}
	msg.SetObserveProxyEventData(n.name, portName, port.peerNode, port.peerPort)
	return n.delegate.ForwardMessage(port.peerNode, msg)
}

// maybeRemoveProxyLocked erases a Proxying port once it is certain no more
// messages will ever pass through it, firing any message that was deferred
// waiting for that moment. Called with port.mu held.
func (n *Node) maybeRemoveProxyLocked(port *Port, portName PortName) {
	if !port.removeProxyOnLastMessage {
		return
	}
	if port.canAcceptMoreMessages() {
		return
	}
	n.erasePort(portName)
	n.incr(MetricProxiesRemoved)
	if deferred := port.sendOnProxyRemoval; deferred != nil {
		port.sendOnProxyRemoval = nil
		if err := n.delegate.ForwardMessage(deferred.node, deferred.message); err != nil {
			n.logger.Error("failed to send deferred proxy message", LabelPeerNode.L(deferred.node.String()), LabelError.L(err))
		}
	}
}

func (n *Node) onPortAccepted(portName PortName) error {
	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != PortBuffering {
		return fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	port.state = PortProxying
	if err := n.forwardMessagesLocked(port, portName); err != nil {
		return err
	}
	if port.removeProxyOnLastMessage {
		n.maybeRemoveProxyLocked(port, portName)
		return nil
	}
	return n.initiateProxyRemovalLocked(port, portName)
}

func (n *Node) onObserveProxy(portName PortName, message *Message) error {
	proxyNode, proxyPort, proxyToNode, proxyToPort := message.ObserveProxyEventData()

	port := n.getPort(portName)
	if port == nil {
		// The port already closed locally; nothing left to redirect.
		return nil
	}

	port.mu.Lock()
	defer port.mu.Unlock()

	if port.peerNode != proxyNode || port.peerPort != proxyPort {
		fwd, err := n.newInternalMessage(port.peerPort, EventTypeObserveProxy, sizeObserveProxyEventData)
		if err != nil {
			return err
		}
		fwd.SetObserveProxyEventData(proxyNode, proxyPort, proxyToNode, proxyToPort)
		return n.delegate.ForwardMessage(port.peerNode, fwd)
	}

	if port.state == PortReceiving {
		port.peerNode = proxyToNode
		port.peerPort = proxyToPort
		ack, err := n.newInternalMessage(proxyPort, EventTypeObserveProxyAck, sizeObserveProxyAckEventData)
		if err != nil {
			return err
		}
		ack.SetObserveProxyAckLastSequenceNum(port.nextSequenceNumToSend - 1)
		return n.delegate.ForwardMessage(proxyNode, ack)
	}

	// This port is itself still a proxy; it cannot answer definitively
	// until it dissolves, so it defers the ack.
	ack, err := n.newInternalMessage(proxyPort, EventTypeObserveProxyAck, sizeObserveProxyAckEventData)
	if err != nil {
		return err
	}
	ack.SetObserveProxyAckLastSequenceNum(invalidSequenceNum)
	port.sendOnProxyRemoval = &deferredSend{node: proxyNode, message: ack}
	return nil
}

func (n *Node) onObserveProxyAck(portName PortName, lastSequenceNum uint64) error {
	port := n.getPort(portName)
	if port == nil {
		return fmt.Errorf("%w: %s", ErrPortUnknown, portName)
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if port.state != PortProxying {
		return fmt.Errorf("%w: %s is %s", ErrPortStateUnexpected, portName, port.state)
	}
	if lastSequenceNum == invalidSequenceNum {
		n.incr(MetricObserveProxyRetry)
		return n.initiateProxyRemovalLocked(port, portName)
	}
	port.removeProxyOnLastMessage = true
	port.lastSequenceNumToReceive = lastSequenceNum
	n.maybeRemoveProxyLocked(port, portName)
	return nil
}

func (n *Node) onObserveClosure(portName PortName, lastSequenceNum uint64) error {
	port := n.getPort(portName)
	if port == nil {
		return nil
	}

	port.mu.Lock()
	port.peerClosed = true
	port.lastSequenceNumToReceive = lastSequenceNum

	if port.state == PortReceiving {
		port.mu.Unlock()
		n.delegate.PortStatusChanged(portName)
		return nil
	}

	nextNode := port.peerNode
	nextPort := port.peerPort
	port.removeProxyOnLastMessage = true

	msg, err := n.newInternalMessage(nextPort, EventTypeObserveClosure, sizeObserveClosureEventData)
	if err != nil {
		port.mu.Unlock()
		return err
	}
	msg.SetObserveClosureLastSequenceNum(lastSequenceNum)

	var fwdErr error
	switch port.state {
	case PortProxying:
		n.maybeRemoveProxyLocked(port, portName)
		fwdErr = n.delegate.ForwardMessage(nextNode, msg)
	case PortBuffering:
		// PortAccepted hasn't arrived yet, so we don't know our peer chain
		// is final. Defer the forward until MaybeRemoveProxy actually erases
		// this record, which happens once PortAccepted promotes us and finds
		// removeProxyOnLastMessage already armed.
		port.sendOnProxyRemoval = &deferredSend{node: nextNode, message: msg}
	}
	port.mu.Unlock()
	return fwdErr
}

// acceptPort recreates, on this node, a port whose ownership was just
// transferred in via pd, then acknowledges the transfer to whoever sent
// it so it can begin proxying.
func (n *Node) acceptPort(name PortName, pd PortDescriptor) error {
	port := &Port{
		state:                    PortReceiving,
		peerNode:                 pd.PeerNode,
		peerPort:                 pd.PeerPort,
		nextSequenceNumToSend:    pd.NextSequenceNumToSend,
		lastSequenceNumToReceive: invalidSequenceNum,
		queue:                    NewMessageQueue(pd.NextSequenceNumToReceive),
	}
	port.queue.SetSignalable(false)
	if err := n.addPortWithName(name, port); err != nil {
		return err
	}
	msg, err := n.newInternalMessage(pd.ReferringPort, EventTypePortAccepted, 0)
	if err != nil {
		return err
	}
	return n.delegate.ForwardMessage(pd.ReferringNode, msg)
}

// LostConnectionToNode marks every port peered with name as peer-closed,
// as if each had received an ObserveClosure it will now never get.
// Non-Receiving ports peered with name are erased outright, since nothing
// will ever arrive to drive their proxy-removal handshake to completion.
func (n *Node) LostConnectionToNode(name NodeName) error {
	var toNotify []PortName

	n.portsMu.Lock()
	for portName, port := range n.ports {
		port.mu.Lock()
		if port.peerNode != name {
			port.mu.Unlock()
			continue
		}
		if !port.peerClosed {
			port.peerClosed = true
			port.lastSequenceNumToReceive = port.queue.NextSequenceNum() - 1
		}
		state := port.state
		port.mu.Unlock()

		if state != PortReceiving {
			delete(n.ports, portName)
		} else {
			toNotify = append(toNotify, portName)
		}
	}
	n.portsMu.Unlock()

	n.incr(MetricLostConnectionPeer, LabelPeerNode.M(name.String()))
	for _, portName := range toNotify {
		n.delegate.PortStatusChanged(portName)
	}
	return nil
}
