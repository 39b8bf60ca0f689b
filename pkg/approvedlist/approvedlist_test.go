package approvedlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMembership(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "tenant-a", "approved_agents", "agent-1", "agent-2"))

	ok, err := store.Contains(ctx, "tenant-a", "approved_agents", "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Lists are tenant-scoped.
	ok, err = store.Contains(ctx, "tenant-b", "approved_agents", "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Remove(ctx, "tenant-a", "approved_agents", "agent-1"))
	ok, err = store.Contains(ctx, "tenant-a", "approved_agents", "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := store.Members(ctx, "tenant-a", "approved_agents")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, members)
}

func TestOverrideContext(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "tenant-a", "approved_agents", "agent-1"))
	require.NoError(t, store.Add(ctx, "tenant-a", "approved_regions", "eu-west-1", "us-east-1"))

	override, err := OverrideContext(ctx, store, "tenant-a", []string{"approved_agents", "approved_regions"})
	require.NoError(t, err)
	require.Len(t, override, 2)

	agents, ok := override["approved_agents"].([]any)
	require.True(t, ok)
	assert.Contains(t, agents, any("agent-1"))

	none, err := OverrideContext(ctx, store, "tenant-a", nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
