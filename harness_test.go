package warren_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/warren"
)

// testFabric wires together a handful of in-process warren.Node values
// that route to each other through a shared registry, delivering every
// forwarded message on its own goroutine, standing in for a real
// NodeDelegate transport in tests.
type testFabric struct {
	mu    sync.Mutex
	nodes map[warren.NodeName]*warren.Node
	seq   atomic.Uint64
}

func newTestFabric() *testFabric {
	return &testFabric{nodes: make(map[warren.NodeName]*warren.Node)}
}

// newNode creates and registers a new node named after its ordinal.
func (f *testFabric) newNode(t *testing.T) (*warren.Node, warren.NodeName) {
	t.Helper()
	return f.newNodeWithDelegate(t, nil)
}

// newNodeWithDelegate is like newNode but lets the caller wrap the base
// testDelegate, e.g. to intercept and hold specific outgoing messages.
func (f *testFabric) newNodeWithDelegate(t *testing.T, wrap func(*testDelegate) warren.NodeDelegate) (*warren.Node, warren.NodeName) {
	t.Helper()
	id := f.seq.Add(1)
	var name warren.NodeName
	name[0] = byte(id)
	name[1] = byte(id >> 8)

	base := &testDelegate{fabric: f, self: name}
	var delegate warren.NodeDelegate = base
	if wrap != nil {
		delegate = wrap(base)
	}
	node := warren.NewNode(name, delegate)

	f.mu.Lock()
	f.nodes[name] = node
	f.mu.Unlock()
	return node, name
}

type testDelegate struct {
	fabric *testFabric
	self   warren.NodeName
}

func (d *testDelegate) GenerateRandomPortName() (warren.PortName, error) {
	id := d.fabric.seq.Add(1)
	var name warren.PortName
	name[0] = byte(id)
	name[1] = byte(id >> 8)
	name[2] = byte(id >> 16)
	name[3] = byte(id >> 24)
	name[4] = byte(id >> 32)
	return name, nil
}

func (d *testDelegate) AllocMessage(numHeaderBytes, numPayloadBytes, numPortsBytes int) (*warren.Message, error) {
	return warren.NewMessage(numHeaderBytes, numPayloadBytes, numPortsBytes), nil
}

func (d *testDelegate) ForwardMessage(node warren.NodeName, message *warren.Message) error {
	d.fabric.mu.Lock()
	target, ok := d.fabric.nodes[node]
	d.fabric.mu.Unlock()
	if !ok {
		return fmt.Errorf("testDelegate: unknown node %s", node)
	}
	go func() {
		_ = target.AcceptMessage(message)
	}()
	return nil
}

func (d *testDelegate) PortStatusChanged(port warren.PortName) {}

// waitForMessage polls GetMessage until one arrives, failing the test if
// GetMessage returns any error (ErrPeerClosed included) or timeout elapses.
func waitForMessage(t *testing.T, node *warren.Node, port warren.PortName, timeout time.Duration) *warren.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := node.GetMessage(port)
		require.NoError(t, err)
		if msg != nil {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for message on %s", port)
	return nil
}

func waitForPeerClosed(t *testing.T, node *warren.Node, port warren.PortName, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := node.GetMessage(port)
		if err == warren.ErrPeerClosed {
			return
		}
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for peer closure on %s", port)
}

func textMessage(t *testing.T, node *warren.Node, text string) *warren.Message {
	t.Helper()
	msg, err := node.AllocMessage(len(text), 0)
	require.NoError(t, err)
	copy(msg.Payload, text)
	return msg
}
