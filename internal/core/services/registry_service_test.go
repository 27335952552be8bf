package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedstack/federation-server/internal/core/models"
)

func TestRegistryAdmitAndHeartbeat(t *testing.T) {
	repo := newFakeCollaboratorRepo()
	registry := NewRegistryService(repo)
	ctx := context.Background()

	identity := models.CollaboratorIdentity{Fingerprint: "abc123", Name: "hospital-a"}

	admitted, err := registry.Admit(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, models.CollaboratorStatusOnline, admitted.Status)

	// Re-admission refreshes instead of duplicating.
	renamed := models.CollaboratorIdentity{Fingerprint: "abc123", Name: "hospital-a-renamed"}
	readmitted, err := registry.Admit(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, admitted.ID, readmitted.ID)
	assert.Equal(t, "hospital-a-renamed", readmitted.Name)

	require.NoError(t, registry.Heartbeat(ctx, identity))

	err = registry.Heartbeat(ctx, models.CollaboratorIdentity{Fingerprint: "unknown"})
	assert.ErrorIs(t, err, ErrCollaboratorNotFound)
}

func TestRegistryMarkSilentOffline(t *testing.T) {
	repo := newFakeCollaboratorRepo()
	registry := NewRegistryService(repo)
	registry.SetHeartbeatTimeout(time.Minute)
	ctx := context.Background()

	fresh, err := registry.Admit(ctx, models.CollaboratorIdentity{Fingerprint: "fresh", Name: "fresh"})
	require.NoError(t, err)

	stale, err := registry.Admit(ctx, models.CollaboratorIdentity{Fingerprint: "stale", Name: "stale"})
	require.NoError(t, err)
	stale.LastHeartbeat = time.Now().Add(-2 * time.Minute)
	require.NoError(t, repo.Update(ctx, stale))

	require.NoError(t, registry.MarkSilentOffline(ctx))

	online, err := registry.OnlineIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, fresh.Fingerprint, online[0].Fingerprint)

	offline, err := repo.GetByFingerprint(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.CollaboratorStatusOffline, offline.Status)
}
