package portid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/warren"
	"github.com/raskyld/warren/pkg/portid"
)

func TestGeneratorProducesDistinctValidNames(t *testing.T) {
	gen := portid.Generator{}

	port0, err := gen.NewPortName()
	require.NoError(t, err)
	require.True(t, port0.IsValid())

	port1, err := gen.NewPortName()
	require.NoError(t, err)
	require.NotEqual(t, port0, port1)

	node0, err := gen.NewNodeName()
	require.NoError(t, err)
	require.True(t, node0.IsValid())
	require.NotEqual(t, warren.InvalidNodeName, node0)
}
