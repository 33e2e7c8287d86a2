package warren

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMessage(seq uint64) *Message {
	msg := NewMessage(sizeEventHeader+sizeUserEventData, 0, 0)
	msg.SetEventHeader(InvalidPortName, EventTypeUser)
	msg.SetUserSequenceNum(seq)
	return msg
}

func TestMessageQueueOrdersOutOfOrderArrivals(t *testing.T) {
	q := NewMessageQueue(initialSequenceNum)
	require.False(t, q.HasNextMessage())

	require.False(t, q.AcceptMessage(newTestMessage(3)))
	require.False(t, q.AcceptMessage(newTestMessage(2)))
	require.True(t, q.AcceptMessage(newTestMessage(1)))

	first := q.GetNextMessageIf(nil)
	require.NotNil(t, first)
	require.Equal(t, uint64(1), first.UserSequenceNum())

	second := q.GetNextMessageIf(nil)
	require.NotNil(t, second)
	require.Equal(t, uint64(2), second.UserSequenceNum())

	third := q.GetNextMessageIf(nil)
	require.NotNil(t, third)
	require.Equal(t, uint64(3), third.UserSequenceNum())

	require.Nil(t, q.GetNextMessageIf(nil))
}

func TestMessageQueueSignalable(t *testing.T) {
	q := NewMessageQueue(initialSequenceNum)
	q.SetSignalable(false)
	require.False(t, q.AcceptMessage(newTestMessage(1)))
	require.False(t, q.HasNextMessage())

	q.SetSignalable(true)
	require.True(t, q.HasNextMessage())
}

func TestMessageQueueSelectorRejectsWithoutMutating(t *testing.T) {
	q := NewMessageQueue(initialSequenceNum)
	q.AcceptMessage(newTestMessage(1))

	rejectAll := func(*Message) bool { return false }
	require.Nil(t, q.GetNextMessageIf(rejectAll))
	require.Equal(t, initialSequenceNum, q.NextSequenceNum())

	msg := q.GetNextMessageIf(nil)
	require.NotNil(t, msg)
}
