package warren_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/warren"
)

func TestLocalPortPairEcho(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	a, b, err := node.CreatePortPair()
	require.NoError(t, err)

	require.NoError(t, node.SendMessage(a, textMessage(t, node, "ping")))
	msg := waitForMessage(t, node, b, time.Second)
	require.Equal(t, "ping", string(msg.Payload))

	require.NoError(t, node.SendMessage(b, textMessage(t, node, "pong")))
	msg = waitForMessage(t, node, a, time.Second)
	require.Equal(t, "pong", string(msg.Payload))
}

func TestSingleHopTransfer(t *testing.T) {
	fabric := newTestFabric()
	nodeA, nameA := fabric.newNode(t)
	nodeB, nameB := fabric.newNode(t)

	// nodeA and nodeB each hold one half of a cross-node port pair.
	localA, err := nodeA.CreateUninitializedPort()
	require.NoError(t, err)
	localB, err := nodeB.CreateUninitializedPort()
	require.NoError(t, err)
	require.NoError(t, nodeA.InitializePort(localA, nameB, localB))
	require.NoError(t, nodeB.InitializePort(localB, nameA, localA))

	// nodeA creates a fresh pair and sends one half to nodeB embedded in a
	// user message.
	gift, keep, err := nodeA.CreatePortPair()
	require.NoError(t, err)

	msg, err := nodeA.AllocMessage(0, 1)
	require.NoError(t, err)
	msg.SetPortAt(0, gift)
	require.NoError(t, nodeA.SendMessage(localA, msg))

	received := waitForMessage(t, nodeB, localB, time.Second)
	require.Equal(t, 1, received.NumPorts())
	giftOnB := received.PortAt(0)

	require.NoError(t, nodeB.SendMessage(giftOnB, textMessage(t, nodeB, "via gift")))
	msg = waitForMessage(t, nodeA, keep, time.Second)
	require.Equal(t, "via gift", string(msg.Payload))
}

func TestChainedTransfer(t *testing.T) {
	fabric := newTestFabric()
	nodeA, nameA := fabric.newNode(t)
	nodeB, nameB := fabric.newNode(t)
	nodeC, nameC := fabric.newNode(t)

	linkAB, err := nodeA.CreateUninitializedPort()
	require.NoError(t, err)
	peerAB, err := nodeB.CreateUninitializedPort()
	require.NoError(t, err)
	require.NoError(t, nodeA.InitializePort(linkAB, nameB, peerAB))
	require.NoError(t, nodeB.InitializePort(peerAB, nameA, linkAB))

	linkBC, err := nodeB.CreateUninitializedPort()
	require.NoError(t, err)
	peerBC, err := nodeC.CreateUninitializedPort()
	require.NoError(t, err)
	require.NoError(t, nodeB.InitializePort(linkBC, nameC, peerBC))
	require.NoError(t, nodeC.InitializePort(peerBC, nameB, linkBC))

	// A gives one half of a fresh local pair to B, who immediately
	// re-gives it to C without ever reading a message on it.
	gift, keep, err := nodeA.CreatePortPair()
	require.NoError(t, err)

	msg, err := nodeA.AllocMessage(0, 1)
	require.NoError(t, err)
	msg.SetPortAt(0, gift)
	require.NoError(t, nodeA.SendMessage(linkAB, msg))

	onB := waitForMessage(t, nodeB, peerAB, time.Second)
	require.Equal(t, 1, onB.NumPorts())
	giftOnB := onB.PortAt(0)

	relay, err := nodeB.AllocMessage(0, 1)
	require.NoError(t, err)
	relay.SetPortAt(0, giftOnB)
	require.NoError(t, nodeB.SendMessage(linkBC, relay))

	onC := waitForMessage(t, nodeC, peerBC, time.Second)
	require.Equal(t, 1, onC.NumPorts())
	giftOnC := onC.PortAt(0)

	require.NoError(t, nodeC.SendMessage(giftOnC, textMessage(t, nodeC, "hello from C")))
	final := waitForMessage(t, nodeA, keep, time.Second)
	require.Equal(t, "hello from C", string(final.Payload))
}

func TestClosePortNotifiesPeer(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	a, b, err := node.CreatePortPair()
	require.NoError(t, err)

	require.NoError(t, node.SendMessage(a, textMessage(t, node, "last one")))
	msg := waitForMessage(t, node, b, time.Second)
	require.Equal(t, "last one", string(msg.Payload))

	require.NoError(t, node.ClosePort(a))
	waitForPeerClosed(t, node, b, time.Second)
}

func TestSendMessageRejectsSelfAndPeer(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	a, b, err := node.CreatePortPair()
	require.NoError(t, err)

	selfMsg, err := node.AllocMessage(0, 1)
	require.NoError(t, err)
	selfMsg.SetPortAt(0, a)
	require.ErrorIs(t, node.SendMessage(a, selfMsg), warren.ErrCannotSendSelf)

	peerMsg, err := node.AllocMessage(0, 1)
	require.NoError(t, err)
	peerMsg.SetPortAt(0, b)
	require.ErrorIs(t, node.SendMessage(a, peerMsg), warren.ErrCannotSendPeer)
}

func TestGetStatusReportsPendingMessages(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	a, b, err := node.CreatePortPair()
	require.NoError(t, err)

	status, err := node.GetStatus(b)
	require.NoError(t, err)
	require.False(t, status.HasMessages)

	require.NoError(t, node.SendMessage(a, textMessage(t, node, "hi")))
	require.Eventually(t, func() bool {
		status, err := node.GetStatus(b)
		require.NoError(t, err)
		return status.HasMessages
	}, time.Second, time.Millisecond)
}

func TestOperationsOnUnknownPortFail(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	var bogus warren.PortName
	bogus[0] = 0xff

	_, err := node.GetStatus(bogus)
	require.ErrorIs(t, err, warren.ErrPortUnknown)

	err = node.ClosePort(bogus)
	require.ErrorIs(t, err, warren.ErrPortUnknown)
}
