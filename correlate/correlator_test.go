package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sandbox/types"
)

func TestProcessTree(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)

	_, ok := c.Resolve(100, 1, types.CategoryFileSystem, types.FileRead)
	assert.False(t, ok, "nothing is traced before the root")

	root := c.Root()
	assert.Equal(t, uint32(1), root.CorrelationID)
	assert.Zero(t, root.ParentID)
	c.Commit(100, types.CategoryProcess, types.ProcessCreate, 1, root)
	assert.True(t, c.Tracked(100))

	// file access by the target hangs off its create event
	link, ok := c.Resolve(100, 1, types.CategoryFileSystem, types.FileRead)
	require.True(t, ok)
	assert.Equal(t, Link{ParentID: 1, CorrelationID: 1}, link)

	// fork of a child
	link, ok = c.Resolve(101, 100, types.CategoryProcess, types.ProcessCreate)
	require.True(t, ok)
	assert.Equal(t, Link{ParentID: 1, CorrelationID: 1}, link)
	c.Commit(101, types.CategoryProcess, types.ProcessCreate, 5, link)

	link, ok = c.Resolve(101, 100, types.CategoryNetwork, types.NetConnect)
	require.True(t, ok)
	assert.Equal(t, uint64(5), link.ParentID, "child events attach to the child's create")

	// unrelated process
	_, ok = c.Resolve(300, 2, types.CategoryProcess, types.ProcessCreate)
	assert.False(t, ok)
	_, ok = c.Resolve(300, 2, types.CategoryMemory, types.MemoryAlloc)
	assert.False(t, ok)

	// exit stops tracing
	link, ok = c.Resolve(101, 100, types.CategoryProcess, types.ProcessTerminate)
	require.True(t, ok)
	c.Commit(101, types.CategoryProcess, types.ProcessTerminate, 9, link)
	assert.False(t, c.Tracked(101))
	assert.Equal(t, 1, c.Len())
}

func TestChainsAreIndependent(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)

	a := c.Root()
	c.Commit(10, types.CategoryProcess, types.ProcessCreate, 1, a)
	b := c.Root()
	c.Commit(20, types.CategoryProcess, types.ProcessCreate, 2, b)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)

	link, ok := c.Resolve(21, 20, types.CategoryProcess, types.ProcessCreate)
	require.True(t, ok)
	assert.Equal(t, b.CorrelationID, link.CorrelationID)

	c.Reset()
	assert.Zero(t, c.Len())
	assert.Equal(t, uint32(1), c.Root().CorrelationID)
}

func TestEvictionStopsTracing(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	root := c.Root()
	c.Commit(1, types.CategoryProcess, types.ProcessCreate, 1, root)
	c.Commit(2, types.CategoryProcess, types.ProcessCreate, 2, root)
	c.Commit(3, types.CategoryProcess, types.ProcessCreate, 3, root)

	assert.False(t, c.Tracked(1), "oldest pid evicted")
	assert.True(t, c.Tracked(3))
}
