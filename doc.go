// Package warren implements a capability-style message-passing fabric.
//
// A `Node` hosts a set of named `Port`s. Clients create pairs of peered
// ports and enqueue ordered messages between them; a message may itself
// embed a port, which transfers ownership of that port to whoever receives
// the message. When a port moves, the node that used to host it becomes a
// *proxy* forwarding in-flight traffic to the new location, and the fabric
// silently collapses that proxy once every message addressed to it has
// drained. To a client holding one end of a pipe, the other end behaves
// like a local FIFO whose peer may relocate between processes without
// loss, duplication, or reordering, and without the client ever noticing.
//
// ## How it works
//
// `CreatePortPair` gives you two `Receiving` ports pointing at each other.
// `SendMessage` on one hands a `Message` to its peer; if the peer lives on
// the same `Node` it goes through an internal loopback queue, otherwise it
// is handed to a `NodeDelegate` for inter-node forwarding. Embedding a
// third port inside that message transfers it: the sender becomes a proxy,
// the receiving node mints a fresh local port under a fresh name, and the
// two exchange a short internal handshake (`PortAccepted`, `ObserveProxy`,
// `ObserveProxyAck`, `ObserveClosure`) until the proxy has forwarded every
// message it will ever see and erases itself.
//
// ## Design Principles
//
// > `warren` is **transport-agnostic** and **lock-disciplined**.
//
// ### Transport-agnostic
//
// The core never opens a socket. Everything it needs from the outside
// world — fresh names, message buffers, forwarding to a named node,
// notifying an embedder that a port's status changed — comes through the
// `NodeDelegate` interface. `pkg/netdelegate` ships one concrete delegate
// built on QUIC streams, but any delegate that honours the interface's
// re-entrancy contract will do.
//
// ### Lock-disciplined
//
// The whole protocol hinges on a strict lock hierarchy: a node-scope
// `send_with_ports`-style lock while batch-locking the ports embedded in a
// single send, then the node's port-table lock, then at most one port lock
// at a time. Violating that order is how you deadlock a `Node`; following
// it is what lets an arbitrary number of goroutines drive `Node` methods
// concurrently without any of them blocking on I/O.
//
// Dependencies are kept to what each concern actually needs:
//
//   - [`hashicorp/go-metrics`][dep-metrics], for the counters this package
//     and `pkg/netdelegate` emit.
//   - [`quic-go/quic-go`][dep-quic], for `pkg/netdelegate`'s inter-node byte
//     channel.
//   - [`satori/go.uuid`][dep-uuid], for `pkg/portid`'s name generator.
//
// [dep-metrics]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-uuid]: https://pkg.go.dev/github.com/satori/go.uuid
package warren
