package images

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
)

func TestStore_SaveDeduplicates(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(common.ImagesConfig{Dir: dir, URLPrefix: "/images"}, arbor.NewLogger())
	require.NoError(t, err)

	data := []byte("\x89PNG fake image bytes")
	first, err := store.Save(context.Background(), data, "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.URL, "/images/"+first.Hash[:2]+"/"))
	assert.True(t, strings.HasSuffix(first.URL, ".png"))

	onDisk, err := os.ReadFile(first.FullPath)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	second, err := store.Save(context.Background(), data, "image/png")
	require.NoError(t, err)
	assert.Equal(t, first.URL, second.URL)

	path, ok := store.Path(first.Hash)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, first.LocalPath), path)
}

func TestStore_SaveRejectsBadInput(t *testing.T) {
	store, err := NewStore(common.ImagesConfig{Dir: t.TempDir()}, arbor.NewLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Save(ctx, nil, "image/png")
	assert.Error(t, err)
	_, err = store.Save(ctx, []byte("text"), "text/plain")
	assert.Error(t, err)
	_, err = store.Save(ctx, make([]byte, MaxImageSize+1), "image/png")
	assert.Error(t, err)

	_, err = NewStore(common.ImagesConfig{}, arbor.NewLogger())
	assert.Error(t, err)
}
