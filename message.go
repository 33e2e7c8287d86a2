package warren

import "encoding/binary"

// EventType tags the header of every Message that crosses AcceptMessage.
// The numeric values are part of the wire contract: two independent
// implementations exchanging Messages must agree on them bit for bit.
type EventType uint32

const (
	EventTypeUser EventType = iota
	EventTypePortAccepted
	EventTypeObserveProxy
	EventTypeObserveProxyAck
	EventTypeObserveClosure
)

func (t EventType) String() string {
	switch t {
	case EventTypeUser:
		return "User"
	case EventTypePortAccepted:
		return "PortAccepted"
	case EventTypeObserveProxy:
		return "ObserveProxy"
	case EventTypeObserveProxyAck:
		return "ObserveProxyAck"
	case EventTypeObserveClosure:
		return "ObserveClosure"
	default:
		return "Unknown"
	}
}

// Sentinel sequence numbers. Every real user message carries a sequence
// number >= initialSequenceNum; invalidSequenceNum marks "unknown" for
// lastSequenceNumToReceive and "please re-send ObserveProxy" for
// ObserveProxyAck.
const (
	initialSequenceNum uint64 = 1
	invalidSequenceNum uint64 = 0
)

// Sizes of the fixed-width regions of a Message's header area, in bytes.
// These mirror event.h's structs field for field: an EventHeader is
// {port_name PortName; type uint32; padding uint32}, a UserEventData is
// {sequence_num uint64; num_ports uint32; padding uint32}, and a
// PortDescriptor packs two NodeName/PortName pairs plus two sequence
// numbers.
const (
	sizeEventHeader              = 16 + 4 + 4
	sizeUserEventData            = 8 + 4 + 4
	sizePortDescriptor           = 16 + 16 + 16 + 16 + 8 + 8
	sizeObserveProxyEventData    = 16 + 16 + 16 + 16
	sizeObserveProxyAckEventData = 8
	sizeObserveClosureEventData  = 8
)

// Message is the opaque carrier the core hands to a NodeDelegate and
// receives back from AcceptMessage. Its three byte regions are populated
// according to EventType:
//
//   - Header always starts with an EventHeader. For EventTypeUser it is
//     followed by a UserEventData and NumPorts PortDescriptors.
//   - Payload carries user bytes for EventTypeUser messages; it is empty
//     for every internal event.
//   - Ports carries NumPorts consecutive PortNames, the current (already
//     rewritten) names of the ports embedded in a EventTypeUser message.
type Message struct {
	Header  []byte
	Payload []byte
	Ports   []byte
}

// NewMessage allocates a Message with pre-sized, zeroed regions. It is the
// building block a NodeDelegate.AllocMessage implementation is expected to
// use.
func NewMessage(numHeaderBytes, numPayloadBytes, numPortsBytes int) *Message {
	return &Message{
		Header:  make([]byte, numHeaderBytes),
		Payload: make([]byte, numPayloadBytes),
		Ports:   make([]byte, numPortsBytes),
	}
}

// NumPorts returns how many PortNames are packed into the Ports region.
func (m *Message) NumPorts() int {
	return len(m.Ports) / 16
}

// PortAt returns the i'th transferred PortName.
func (m *Message) PortAt(i int) PortName {
	var name PortName
	copy(name[:], m.Ports[i*16:i*16+16])
	return name
}

// SetPortAt overwrites the i'th transferred PortName. willSendMessageLocked
// uses this to rewrite a port's carried name to the fresh name
// willSendPortLocked just assigned it at the destination.
func (m *Message) SetPortAt(i int, name PortName) {
	copy(m.Ports[i*16:i*16+16], name[:])
}

// EventHeader reports the routing fields common to every Message.
func (m *Message) EventHeader() (portName PortName, eventType EventType) {
	copy(portName[:], m.Header[0:16])
	eventType = EventType(binary.LittleEndian.Uint32(m.Header[16:20]))
	return
}

// SetEventHeader writes the routing fields common to every Message.
func (m *Message) SetEventHeader(portName PortName, eventType EventType) {
	copy(m.Header[0:16], portName[:])
	binary.LittleEndian.PutUint32(m.Header[16:20], uint32(eventType))
	binary.LittleEndian.PutUint32(m.Header[20:24], 0)
}

// SetHeaderPortName rewrites only the destination port name of the header,
// leaving the event type untouched. willSendMessageLocked uses this once it has
// resolved which port the message is actually addressed to.
func (m *Message) SetHeaderPortName(portName PortName) {
	copy(m.Header[0:16], portName[:])
}

// UserSequenceNum reads the sequence number of a EventTypeUser message.
func (m *Message) UserSequenceNum() uint64 {
	return binary.LittleEndian.Uint64(m.Header[sizeEventHeader : sizeEventHeader+8])
}

// SetUserSequenceNum stamps the sequence number of a EventTypeUser message.
func (m *Message) SetUserSequenceNum(seq uint64) {
	binary.LittleEndian.PutUint64(m.Header[sizeEventHeader:sizeEventHeader+8], seq)
}

// UserNumPorts reads the num_ports field of a EventTypeUser message's
// UserEventData.
func (m *Message) UserNumPorts() uint32 {
	return binary.LittleEndian.Uint32(m.Header[sizeEventHeader+8 : sizeEventHeader+12])
}

// SetUserNumPorts writes the num_ports field of a EventTypeUser message's
// UserEventData.
func (m *Message) SetUserNumPorts(numPorts uint32) {
	binary.LittleEndian.PutUint32(m.Header[sizeEventHeader+8:sizeEventHeader+12], numPorts)
	binary.LittleEndian.PutUint32(m.Header[sizeEventHeader+12:sizeEventHeader+16], 0)
}

// PortDescriptor describes one port embedded in a EventTypeUser message: it
// carries enough state for the destination node to recreate the port
// locally, plus the referring identity PortAccepted is sent back to.
type PortDescriptor struct {
	PeerNode                 NodeName
	PeerPort                 PortName
	ReferringNode            NodeName
	ReferringPort            PortName
	NextSequenceNumToSend    uint64
	NextSequenceNumToReceive uint64
}

func portDescriptorOffset(i int) int {
	return sizeEventHeader + sizeUserEventData + i*sizePortDescriptor
}

// PortDescriptorAt reads the i'th PortDescriptor out of the header area.
func (m *Message) PortDescriptorAt(i int) PortDescriptor {
	off := portDescriptorOffset(i)
	var pd PortDescriptor
	copy(pd.PeerNode[:], m.Header[off:off+16])
	copy(pd.PeerPort[:], m.Header[off+16:off+32])
	copy(pd.ReferringNode[:], m.Header[off+32:off+48])
	copy(pd.ReferringPort[:], m.Header[off+48:off+64])
	pd.NextSequenceNumToSend = binary.LittleEndian.Uint64(m.Header[off+64 : off+72])
	pd.NextSequenceNumToReceive = binary.LittleEndian.Uint64(m.Header[off+72 : off+80])
	return pd
}

// SetPortDescriptorAt writes the i'th PortDescriptor into the header area.
func (m *Message) SetPortDescriptorAt(i int, pd PortDescriptor) {
	off := portDescriptorOffset(i)
	copy(m.Header[off:off+16], pd.PeerNode[:])
	copy(m.Header[off+16:off+32], pd.PeerPort[:])
	copy(m.Header[off+32:off+48], pd.ReferringNode[:])
	copy(m.Header[off+48:off+64], pd.ReferringPort[:])
	binary.LittleEndian.PutUint64(m.Header[off+64:off+72], pd.NextSequenceNumToSend)
	binary.LittleEndian.PutUint64(m.Header[off+72:off+80], pd.NextSequenceNumToReceive)
}

// ObserveProxyEventData reads the payload of an EventTypeObserveProxy
// message: the proxy that is asking to be bypassed, and the location it
// wants traffic redirected to.
func (m *Message) ObserveProxyEventData() (proxyNode NodeName, proxyPort PortName, proxyToNode NodeName, proxyToPort PortName) {
	data := m.Header[sizeEventHeader:]
	copy(proxyNode[:], data[0:16])
	copy(proxyPort[:], data[16:32])
	copy(proxyToNode[:], data[32:48])
	copy(proxyToPort[:], data[48:64])
	return
}

// SetObserveProxyEventData writes the payload of an EventTypeObserveProxy
// message.
func (m *Message) SetObserveProxyEventData(proxyNode NodeName, proxyPort PortName, proxyToNode NodeName, proxyToPort PortName) {
	data := m.Header[sizeEventHeader:]
	copy(data[0:16], proxyNode[:])
	copy(data[16:32], proxyPort[:])
	copy(data[32:48], proxyToNode[:])
	copy(data[48:64], proxyToPort[:])
}

// ObserveProxyAckLastSequenceNum reads the last_sequence_num field of an
// EventTypeObserveProxyAck message.
func (m *Message) ObserveProxyAckLastSequenceNum() uint64 {
	return binary.LittleEndian.Uint64(m.Header[sizeEventHeader : sizeEventHeader+8])
}

// SetObserveProxyAckLastSequenceNum writes the last_sequence_num field of an
// EventTypeObserveProxyAck message.
func (m *Message) SetObserveProxyAckLastSequenceNum(seq uint64) {
	binary.LittleEndian.PutUint64(m.Header[sizeEventHeader:sizeEventHeader+8], seq)
}

// ObserveClosureLastSequenceNum reads the last_sequence_num field of an
// EventTypeObserveClosure message.
func (m *Message) ObserveClosureLastSequenceNum() uint64 {
	return binary.LittleEndian.Uint64(m.Header[sizeEventHeader : sizeEventHeader+8])
}

// SetObserveClosureLastSequenceNum writes the last_sequence_num field of an
// EventTypeObserveClosure message.
func (m *Message) SetObserveClosureLastSequenceNum(seq uint64) {
	binary.LittleEndian.PutUint64(m.Header[sizeEventHeader:sizeEventHeader+8], seq)
}

// newInternalMessage allocates a small fixed-size control message via the
// delegate and stamps its header. dataSize is the size of the event's
// payload beyond the common EventHeader.
func (n *Node) newInternalMessage(portName PortName, eventType EventType, dataSize int) (*Message, error) {
	msg, err := n.delegate.AllocMessage(sizeEventHeader+dataSize, 0, 0)
	if err != nil {
		return nil, err
	}
	msg.SetEventHeader(portName, eventType)
	return msg, nil
}
