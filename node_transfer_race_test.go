package warren_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/warren"
)

// holdingDelegate wraps a testDelegate and lets a test intercept specific
// outgoing messages, holding them back until explicitly released instead of
// forwarding them immediately.
type holdingDelegate struct {
	*testDelegate
	hold func(msg *warren.Message) bool

	mu      sync.Mutex
	pending []func()
}

func (d *holdingDelegate) ForwardMessage(node warren.NodeName, message *warren.Message) error {
	if d.hold != nil && d.hold(message) {
		d.mu.Lock()
		d.pending = append(d.pending, func() { _ = d.testDelegate.ForwardMessage(node, message) })
		d.mu.Unlock()
		return nil
	}
	return d.testDelegate.ForwardMessage(node, message)
}

func (d *holdingDelegate) release() {
	d.mu.Lock()
	fns := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TestClosePortDuringTransferNotifiesReceiverAtCorrectSequence exercises
// scenario 4: a port is closed while the transfer of its peer is still
// in flight, before the destination's PortAccepted round-trip completes.
// The receiver must still end up observing peer-closed at the correct
// last sequence number once the transfer resolves.
func TestClosePortDuringTransferNotifiesReceiverAtCorrectSequence(t *testing.T) {
	fabric := newTestFabric()
	nodeA, nameA := fabric.newNode(t)

	var bDelegate *holdingDelegate
	nodeB, nameB := fabric.newNodeWithDelegate(t, func(base *testDelegate) warren.NodeDelegate {
		bDelegate = &holdingDelegate{testDelegate: base}
		bDelegate.hold = func(msg *warren.Message) bool {
			_, eventType := msg.EventHeader()
			return eventType == warren.EventTypePortAccepted
		}
		return bDelegate
	})

	linkAB, err := nodeA.CreateUninitializedPort()
	require.NoError(t, err)
	peerAB, err := nodeB.CreateUninitializedPort()
	require.NoError(t, err)
	require.NoError(t, nodeA.InitializePort(linkAB, nameB, peerAB))
	require.NoError(t, nodeB.InitializePort(peerAB, nameA, linkAB))

	// c and d are a local pair on nodeA; d is about to be transferred to
	// nodeB over linkAB, while c stays behind as d's original peer.
	c, d, err := nodeA.CreatePortPair()
	require.NoError(t, err)

	require.NoError(t, nodeA.SendMessage(c, textMessage(t, nodeA, "before close")))

	msg, err := nodeA.AllocMessage(0, 1)
	require.NoError(t, err)
	msg.SetPortAt(0, d)
	require.NoError(t, nodeA.SendMessage(linkAB, msg))

	// Wait for nodeB to have accepted the transferred port: its
	// EventTypePortAccepted ack now sits held inside bDelegate, so nodeA's
	// record for d is still Buffering and has not seen PortAccepted yet.
	onB := waitForMessage(t, nodeB, peerAB, time.Second)
	require.Equal(t, 1, onB.NumPorts())
	dOnB := onB.PortAt(0)

	// Close c while d's transfer is still pending PortAccepted.
	require.NoError(t, nodeA.ClosePort(c))

	// Only now let the held PortAccepted ack through, promoting d's record
	// from Buffering to Proxying and triggering its removal.
	bDelegate.release()

	first := waitForMessage(t, nodeB, dOnB, time.Second)
	require.Equal(t, "before close", string(first.Payload))
	waitForPeerClosed(t, nodeB, dOnB, time.Second)
}

// TestConcurrentSendersEmbeddingSamePortRace exercises scenario 5: two
// goroutines race to send a message embedding the same port. Exactly one
// must succeed; the other must see PortStateUnexpected, and the port's
// sequence counters must not be double-advanced.
func TestConcurrentSendersEmbeddingSamePortRace(t *testing.T) {
	fabric := newTestFabric()
	node, _ := fabric.newNode(t)

	carrier1, carrierPeer1, err := node.CreatePortPair()
	require.NoError(t, err)
	carrier2, carrierPeer2, err := node.CreatePortPair()
	require.NoError(t, err)

	contested, _, err := node.CreatePortPair()
	require.NoError(t, err)

	msg1, err := node.AllocMessage(0, 1)
	require.NoError(t, err)
	msg1.SetPortAt(0, contested)

	msg2, err := node.AllocMessage(0, 1)
	require.NoError(t, err)
	msg2.SetPortAt(0, contested)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		errs[0] = node.SendMessage(carrier1, msg1)
	}()
	go func() {
		defer wg.Done()
		<-start
		errs[1] = node.SendMessage(carrier2, msg2)
	}()
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, warren.ErrPortStateUnexpected)
	}
	require.Equal(t, 1, succeeded, "exactly one concurrent send of the same port must succeed")

	// Whichever send won must have delivered contested exactly once,
	// embedded under a fresh name, to its own carrier's peer.
	winner := carrierPeer2
	if errs[0] == nil {
		winner = carrierPeer1
	}
	got := waitForMessage(t, node, winner, time.Second)
	require.Equal(t, 1, got.NumPorts())

	// The losing send must have rolled its carrier's sequence counter back:
	// a fresh message on that carrier still arrives as the next in order.
	loser, loserPeer := carrier1, carrierPeer1
	if errs[0] == nil {
		loser, loserPeer = carrier2, carrierPeer2
	}
	require.NoError(t, node.SendMessage(loser, textMessage(t, node, "after race")))
	afterRace := waitForMessage(t, node, loserPeer, time.Second)
	require.Equal(t, "after race", string(afterRace.Payload))
}
