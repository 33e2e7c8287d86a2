// Package portid provides a reference NodeName/PortName generator backed
// by random v4 UUIDs, suitable for a NodeDelegate's
// GenerateRandomPortName.
package portid

import (
	uuid "github.com/satori/go.uuid"

	"github.com/raskyld/warren"
)

// Generator produces fresh, collision-resistant PortName and NodeName
// values. Its zero value is ready to use.
type Generator struct{}

// NewPortName returns a random PortName.
func (Generator) NewPortName() (warren.PortName, error) {
	id := uuid.NewV4()
	var name warren.PortName
	copy(name[:], id.Bytes())
	return name, nil
}

// NewNodeName returns a random NodeName.
func (Generator) NewNodeName() (warren.NodeName, error) {
	id := uuid.NewV4()
	var name warren.NodeName
	copy(name[:], id.Bytes())
	return name, nil
}
