package warren

import "errors"

// Error taxonomy returned by Node's public operations. All of these are
// recoverable: a Node never unwinds internal state because a caller made a
// mistake, it just refuses the operation.
var (
	// ErrPortUnknown is returned when a PortName does not name a live port
	// on this Node, either because it was never created here or because it
	// has already been transferred away and erased.
	ErrPortUnknown = errors.New("warren: port unknown")

	// ErrPortExists is returned by internal name-collision checks. Seeing
	// this in practice means the delegate's name generator is broken.
	ErrPortExists = errors.New("warren: port name already in use")

	// ErrPortStateUnexpected is returned when an operation is attempted
	// against a port whose current state does not allow it (e.g. sending
	// on a Proxying port, or closing a Buffering one).
	ErrPortStateUnexpected = errors.New("warren: port is not in the expected state")

	// ErrCannotSendSelf is returned by SendMessage when the message being
	// sent embeds the very port it is being sent from.
	ErrCannotSendSelf = errors.New("warren: message cannot embed the port sending it")

	// ErrCannotSendPeer is returned by SendMessage when the message embeds
	// the sending port's current peer, i.e. the very port it is addressed to.
	ErrCannotSendPeer = errors.New("warren: message cannot embed the sending port's peer")

	// ErrPeerClosed is returned by GetMessage/GetMessageIf once the queue
	// has been drained past the last message the peer promised to send.
	ErrPeerClosed = errors.New("warren: peer closed")

	// ErrNotImplemented is returned by AcceptMessage when it is handed an
	// event type it does not recognise, which indicates a wire
	// incompatibility with whoever produced the message.
	ErrNotImplemented = errors.New("warren: unrecognised event type")
)
