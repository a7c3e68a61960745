package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/models"
)

func testConfig(t *testing.T) *common.Config {
	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = filepath.Join(dir, "badger")
	config.Storage.SQLite.Path = filepath.Join(dir, "menulens.db")
	config.Storage.Images.Dir = filepath.Join(dir, "images")
	return config
}

func TestNewManager_Badger(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, arbor.NewLogger(), testConfig(t))
	require.NoError(t, err)
	defer m.Close()

	require.NotNil(t, m.BadgerDB())
	require.NotNil(t, m.ImageStore())

	require.NoError(t, m.EphemeralStore().Set(ctx, "k", []byte("v"), 0))
	value, err := m.EphemeralStore().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	created, err := m.DurableStore().CreateSession(ctx, &models.Session{ID: "sess_factory", TotalItems: 1})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestNewManager_RejectsUnknownEphemeral(t *testing.T) {
	config := testConfig(t)
	config.Storage.Ephemeral = "memcached"
	_, err := NewManager(context.Background(), arbor.NewLogger(), config)
	assert.Error(t, err)
}

func TestNewReconcilerManager_RequiresRedis(t *testing.T) {
	_, err := NewReconcilerManager(context.Background(), arbor.NewLogger(), testConfig(t))
	assert.ErrorContains(t, err, "redis")
}
