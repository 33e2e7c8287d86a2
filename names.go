package warren

import "fmt"

// NodeName identifies a participant in the fabric. PortName identifies an
// endpoint hosted by one. Both are opaque 128-bit tokens: the core never
// interprets their bits, only compares and hashes them. The zero value of
// each is the "invalid" sentinel that no live Node or Port is ever
// assigned.
type NodeName [16]byte

// PortName identifies a Port. See NodeName for the shared contract.
type PortName [16]byte

// InvalidNodeName and InvalidPortName are the sentinel zero values.
var (
	InvalidNodeName NodeName
	InvalidPortName PortName
)

// IsValid reports whether n is not the invalid sentinel.
func (n NodeName) IsValid() bool { return n != InvalidNodeName }

// IsValid reports whether p is not the invalid sentinel.
func (p PortName) IsValid() bool { return p != InvalidPortName }

func (n NodeName) String() string {
	if !n.IsValid() {
		return "node:invalid"
	}
	return fmt.Sprintf("node:%x", [16]byte(n))
}

func (p PortName) String() string {
	if !p.IsValid() {
		return "port:invalid"
	}
	return fmt.Sprintf("port:%x", [16]byte(p))
}
