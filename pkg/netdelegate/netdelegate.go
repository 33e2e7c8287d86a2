// Package netdelegate is a reference warren.NodeDelegate that carries
// messages between processes over QUIC, one stream per message, and
// generates random port names with a UUID generator.
package netdelegate

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/raskyld/warren"
	"github.com/raskyld/warren/pkg/portid"
)

var (
	metricMessagesForwarded = []string{"warren", "netdelegate", "forwarded", "count"}
	metricMessagesReceived  = []string{"warren", "netdelegate", "received", "count"}
	metricDialErrors        = []string{"warren", "netdelegate", "dial_errors", "count"}
)

// Resolver maps a warren.NodeName to the network address it can be dialed
// at. Delegate never resolves names on its own; the fabric's naming layer
// is entirely out of the core's scope.
type Resolver interface {
	Resolve(node warren.NodeName) (addr string, err error)
}

// Config configures a Delegate.
type Config struct {
	Local warren.NodeName

	// TLSConfig must negotiate mTLS; both directions of the fabric use it
	// to authenticate every hop.
	TLSConfig *tls.Config

	// BindAddr is where Delegate listens for inbound streams.
	BindAddr string

	Resolver Resolver

	DialTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Delegate implements warren.NodeDelegate over a QUIC transport. The zero
// value is not usable; construct one with New.
type Delegate struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	gen    portid.Generator

	tr *quic.Transport
	ln *quic.Listener

	mu    sync.Mutex
	conns map[warren.NodeName]quic.Connection

	node   *warren.Node
	nodeMu sync.RWMutex

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Delegate bound to cfg.BindAddr and immediately begins
// accepting inbound streams in the background.
func New(cfg Config) (*Delegate, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("netdelegate: TLSConfig is required")
	}
	addr := cfg.BindAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netdelegate: resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netdelegate: listen udp: %w", err)
	}

	tr := &quic.Transport{Conn: conn}
	ln, err := tr.Listen(cfg.TLSConfig, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("netdelegate: listen quic: %w", err)
	}

	logger := slog.Default()
	if cfg.LogHandler != nil {
		logger = slog.New(cfg.LogHandler)
	}
	msink := metrics.MetricSink(&metrics.BlackholeSink{})
	if cfg.MetricSink != nil {
		msink = cfg.MetricSink
	}

	d := &Delegate{
		cfg:    cfg,
		logger: logger.With(warren.LabelNode.L(cfg.Local.String())),
		msink:  msink,
		tr:     tr,
		ln:     ln,
		conns:  make(map[warren.NodeName]quic.Connection),
		done:   make(chan struct{}),
	}
	go d.acceptLoop()
	return d, nil
}

// Attach records the Node this Delegate serves, so inbound and looped-back
// messages have somewhere to land. It must be called exactly once, before
// any message can be sent or received.
func (d *Delegate) Attach(n *warren.Node) {
	d.nodeMu.Lock()
	d.node = n
	d.nodeMu.Unlock()
}

// Addr returns the local address this Delegate is listening on.
func (d *Delegate) Addr() net.Addr {
	return d.ln.Addr()
}

// Close tears down the listener and every open connection.
func (d *Delegate) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.ln.Close()
		d.mu.Lock()
		for _, c := range d.conns {
			_ = c.CloseWithError(0, "closing")
		}
		d.mu.Unlock()
	})
	return nil
}

// GenerateRandomPortName implements warren.NodeDelegate.
func (d *Delegate) GenerateRandomPortName() (warren.PortName, error) {
	return d.gen.NewPortName()
}

// AllocMessage implements warren.NodeDelegate.
func (d *Delegate) AllocMessage(numHeaderBytes, numPayloadBytes, numPortsBytes int) (*warren.Message, error) {
	return warren.NewMessage(numHeaderBytes, numPayloadBytes, numPortsBytes), nil
}

// PortStatusChanged implements warren.NodeDelegate. This reference
// delegate has nothing of its own to do here; a real application wires
// this to whatever wakes up the goroutine reading the port.
func (d *Delegate) PortStatusChanged(port warren.PortName) {}

// ForwardMessage implements warren.NodeDelegate: local targets loop back
// asynchronously, remote targets get the message shipped over a fresh
// QUIC stream.
func (d *Delegate) ForwardMessage(node warren.NodeName, message *warren.Message) error {
	if node == d.cfg.Local {
		go d.deliverLocal(message)
		return nil
	}

	conn, err := d.connectionTo(node)
	if err != nil {
		metrics.IncrCounterWithLabels(metricDialErrors, 1, d.cfg.MetricLabels)
		return err
	}

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		metrics.IncrCounterWithLabels(metricDialErrors, 1, d.cfg.MetricLabels)
		return fmt.Errorf("netdelegate: open stream: %w", err)
	}
	defer stream.Close()

	if err := encodeMessage(stream, message); err != nil {
		return fmt.Errorf("netdelegate: encode message: %w", err)
	}
	metrics.IncrCounterWithLabels(metricMessagesForwarded, 1, append(append([]metrics.Label{}, d.cfg.MetricLabels...), warren.LabelPeerNode.M(node.String())))
	return nil
}

func (d *Delegate) deliverLocal(message *warren.Message) {
	d.nodeMu.RLock()
	n := d.node
	d.nodeMu.RUnlock()
	if n == nil {
		d.logger.Error("dropping looped-back message: delegate not attached to a node")
		return
	}
	if err := n.AcceptMessage(message); err != nil {
		d.logger.Warn("local loopback delivery failed", warren.LabelError.L(err))
	}
}

func (d *Delegate) connectionTo(node warren.NodeName) (quic.Connection, error) {
	d.mu.Lock()
	if conn, ok := d.conns[node]; ok {
		d.mu.Unlock()
		return conn, nil
	}
	d.mu.Unlock()

	if d.cfg.Resolver == nil {
		return nil, fmt.Errorf("netdelegate: no resolver configured for %s", node)
	}
	addr, err := d.cfg.Resolver.Resolve(node)
	if err != nil {
		return nil, fmt.Errorf("netdelegate: resolve %s: %w", node, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netdelegate: resolve addr %s: %w", addr, err)
	}

	timeout := d.cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := d.tr.Dial(ctx, udpAddr, d.cfg.TLSConfig, &quic.Config{
		Versions: []quic.Version{quic.Version2, quic.Version1},
	})
	if err != nil {
		return nil, fmt.Errorf("netdelegate: dial %s: %w", node, err)
	}

	d.mu.Lock()
	d.conns[node] = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *Delegate) acceptLoop() {
	for {
		conn, err := d.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				d.logger.Error("accept failed", warren.LabelError.L(err))
				return
			}
		}
		go d.acceptStreams(conn)
	}
}

func (d *Delegate) acceptStreams(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go d.handleStream(stream)
	}
}

func (d *Delegate) handleStream(stream quic.Stream) {
	defer stream.Close()
	message, err := decodeMessage(stream)
	if err != nil {
		d.logger.Warn("failed to decode inbound message", warren.LabelError.L(err))
		return
	}
	metrics.IncrCounterWithLabels(metricMessagesReceived, 1, d.cfg.MetricLabels)

	d.nodeMu.RLock()
	n := d.node
	d.nodeMu.RUnlock()
	if n == nil {
		d.logger.Error("dropping inbound message: delegate not attached to a node")
		return
	}
	if err := n.AcceptMessage(message); err != nil {
		d.logger.Warn("inbound message rejected", warren.LabelError.L(err))
	}
}
