// Command warrenhello demonstrates the ports routing core end to end: two
// processes, a client and a server. The server creates a port pair and logs
// a token naming one of its ports; the client peers a fresh port with that
// port and sends it a single "hello, world!" message, which the server logs.
// No port is transferred and the server sends no reply.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raskyld/warren"
	"github.com/raskyld/warren/pkg/netdelegate"
	"github.com/raskyld/warren/pkg/portid"
)

var (
	Client = flag.Bool("client", false, "act as a client")
	Server = flag.Bool("server", false, "act as a server")

	BindAddr   = flag.String("bind", "127.0.0.1:0", "address to listen on")
	ServerAddr = flag.String("server-addr", "", "server address, required when -client is set")

	TlsCert = flag.String("tls-cert", "", "client cert to use")
	TlsKey  = flag.String("tls-key", "", "client private key to use")
	TlsCA   = flag.String("tls-ca", "", "ca to verify peers")
)

func main() {
	flag.Parse()

	tlsConf, err := loadTLSConfig()
	if err != nil {
		slog.Error("failed to load tls creds", "error", err)
		os.Exit(1)
	}

	gen := portid.Generator{}
	localName, err := gen.NewNodeName()
	if err != nil {
		slog.Error("failed to generate node name", "error", err)
		os.Exit(1)
	}

	resolver := &staticResolver{addr: *ServerAddr}
	delegate, err := netdelegate.New(netdelegate.Config{
		Local:      localName,
		TLSConfig:  tlsConf,
		BindAddr:   *BindAddr,
		Resolver:   resolver,
		LogHandler: slog.Default().Handler(),
	})
	if err != nil {
		slog.Error("failed to start delegate", "error", err)
		os.Exit(2)
	}
	defer delegate.Close()

	node := warren.NewNode(localName, delegate, warren.WithLog(slog.Default().Handler()))
	delegate.Attach(node)

	slog.Info("node ready", "name", localName.String(), "addr", delegate.Addr().String())

	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("terminating...")
		cancel(errors.New("user requested shutdown"))
	}()

	switch {
	case *Server:
		runServer(ctx, node)
	case *Client:
		runClient(ctx, node, resolver)
	default:
		slog.Error("must pass -client or -server")
		os.Exit(3)
	}
}

// runServer creates one port pair, hands out the local half's name in its
// log so a human can wire a client to it, and logs whatever it receives
// until the client's hello-world message arrives.
func runServer(ctx context.Context, node *warren.Node) {
	local, _, err := node.CreatePortPair()
	if err != nil {
		slog.Error("failed to create port pair", "error", err)
		return
	}
	token := fmt.Sprintf("%x/%x", [16]byte(node.Name()), [16]byte(local))
	slog.Info("listening, share this token with the client", "token", token)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := node.GetMessage(local)
		if err != nil {
			slog.Error("get message failed", "error", err)
			return
		}
		if msg == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		slog.Info("received", "payload", string(msg.Payload))
		if string(msg.Payload) == "hello, world!" {
			slog.Info("got my hello world, done")
			return
		}
	}
}

func runClient(ctx context.Context, node *warren.Node, resolver *staticResolver) {
	// In a real deployment the port name would arrive out of band (a
	// directory service, a CLI argument); here we just read it from stdin
	// for the demo to stay self-contained.
	fmt.Print("paste the server's give-to-client port name: ")
	var hex string
	if _, err := fmt.Scanln(&hex); err != nil {
		slog.Error("failed to read port name", "error", err)
		return
	}
	remotePort, remoteNode, err := parsePeer(hex)
	if err != nil {
		slog.Error("failed to parse peer", "error", err)
		return
	}

	local, err := node.CreateUninitializedPort()
	if err != nil {
		slog.Error("failed to create port", "error", err)
		return
	}
	if err := node.InitializePort(local, remoteNode, remotePort); err != nil {
		slog.Error("failed to initialise port", "error", err)
		return
	}

	msg, err := node.AllocMessage(len("hello, world!"), 0)
	if err != nil {
		slog.Error("failed to allocate message", "error", err)
		return
	}
	copy(msg.Payload, "hello, world!")
	if err := node.SendMessage(local, msg); err != nil {
		slog.Error("failed to send message", "error", err)
		return
	}
	slog.Info("sent hello world")

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
}

// parsePeer decodes the "<node-hex>/<port-hex>" token the server logs at
// startup. A real deployment would resolve this through a directory
// service instead of a copy-pasted string.
func parsePeer(s string) (warren.PortName, warren.NodeName, error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return warren.InvalidPortName, warren.InvalidNodeName, fmt.Errorf("expected <node-hex>/<port-hex>, got %q", s)
	}
	nodeHex, portHex := s[:slash], s[slash+1:]

	nodeBytes, err := hex.DecodeString(nodeHex)
	if err != nil || len(nodeBytes) != 16 {
		return warren.InvalidPortName, warren.InvalidNodeName, fmt.Errorf("invalid node name %q", nodeHex)
	}
	portBytes, err := hex.DecodeString(portHex)
	if err != nil || len(portBytes) != 16 {
		return warren.InvalidPortName, warren.InvalidNodeName, fmt.Errorf("invalid port name %q", portHex)
	}

	var node warren.NodeName
	var port warren.PortName
	copy(node[:], nodeBytes)
	copy(port[:], portBytes)
	return port, node, nil
}

type staticResolver struct {
	addr string
}

func (r *staticResolver) Resolve(node warren.NodeName) (string, error) {
	if r.addr == "" {
		return "", fmt.Errorf("no -server-addr configured")
	}
	return r.addr, nil
}

func loadTLSConfig() (*tls.Config, error) {
	if *TlsCA == "" || *TlsCert == "" || *TlsKey == "" {
		return nil, errors.New("all tls options must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(*TlsCert, *TlsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(*TlsCA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
		NextProtos:   []string{"warren"},
	}, nil
}
