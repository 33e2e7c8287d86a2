package warren

import "container/heap"

// MessageQueue reorders the EventTypeUser messages arriving for one Port
// into strict sequence-number order. Messages may arrive out of order (a
// proxy chain can race), but GetNextMessageIf only ever hands one out once
// every message ahead of it in the sequence has already been consumed.
type MessageQueue struct {
	heap            messageHeap
	nextSequenceNum uint64
	signalable      bool
}

// NewMessageQueue creates a queue expecting nextSequenceNum as the next
// in-order message. Fresh ports start this at initialSequenceNum; ports
// accepted via a transfer start it at the sequence number recorded in the
// transfer's PortDescriptor.
func NewMessageQueue(nextSequenceNum uint64) *MessageQueue {
	return &MessageQueue{
		nextSequenceNum: nextSequenceNum,
		signalable:      true,
	}
}

// SetSignalable toggles whether HasNextMessage may report true. A freshly
// accepted port is created unsignalable so it doesn't fire a status
// notification before the message that carried it has reached a user.
func (q *MessageQueue) SetSignalable(signalable bool) {
	q.signalable = signalable
}

// NextSequenceNum returns the sequence number this queue is still waiting
// for.
func (q *MessageQueue) NextSequenceNum() uint64 {
	return q.nextSequenceNum
}

// HasNextMessage reports whether GetNextMessageIf(nil) would return a
// message right now. While the queue is unsignalable it reports false even
// when such a message is queued.
func (q *MessageQueue) HasNextMessage() bool {
	if !q.signalable {
		return false
	}
	return len(q.heap) > 0 && q.heap[0].UserSequenceNum() == q.nextSequenceNum
}

// AcceptMessage takes ownership of msg and reports whether the queue now
// has a message ready to be handed out, exactly as HasNextMessage would
// report it right after the push.
func (q *MessageQueue) AcceptMessage(msg *Message) (hasNextMessage bool) {
	heap.Push(&q.heap, msg)
	return q.HasNextMessage()
}

// GetNextMessageIf pops and returns the head of the queue if its sequence
// number is the one this queue expects and selector (when non-nil) accepts
// it. Otherwise it returns nil without mutating the queue.
func (q *MessageQueue) GetNextMessageIf(selector func(*Message) bool) *Message {
	if len(q.heap) == 0 || q.heap[0].UserSequenceNum() != q.nextSequenceNum {
		return nil
	}
	if selector != nil && !selector(q.heap[0]) {
		return nil
	}
	msg := heap.Pop(&q.heap).(*Message)
	q.nextSequenceNum++
	return msg
}

// messageHeap is a min-heap of *Message ordered by user sequence number.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	return h[i].UserSequenceNum() < h[j].UserSequenceNum()
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
