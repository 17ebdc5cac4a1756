package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorNodeID(t *testing.T) {
	t.Parallel()

	gen := New()
	id, err := gen.NodeID("  node-a ")
	require.NoError(t, err)
	require.Equal(t, "node-a", id)

	generated, err := gen.NodeID("")
	require.NoError(t, err)
	require.NotEmpty(t, generated)
	// The UUID suffix is always present.
	parts := strings.Split(generated, "-")
	require.GreaterOrEqual(t, len(parts), 5)
}
