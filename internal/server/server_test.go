package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/app"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/models"
)

// setupServer runs the full application without model credentials, so every model call
// fails and every stage degrades to fallback output
func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = filepath.Join(dir, "badger")
	config.Storage.SQLite.Path = filepath.Join(dir, "menulens.db")
	config.Storage.Images.Dir = filepath.Join(dir, "images")
	config.Reconciler.Enabled = true
	config.Reconciler.Interval = "50ms"
	config.Scheduler.Enabled = false
	config.Gemini.APIKey = ""
	config.Claude.APIKey = ""

	application, err := app.New(config, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_MenuLifecycle(t *testing.T) {
	ts := setupServer(t)

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", nil))

	resp, err := http.Post(ts.URL+"/api/menus", "application/json",
		bytes.NewBufferString(`{"lines":["Pho Bo","Banh Mi","Che Ba Mau"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	sessionID := created["session_id"]
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		var progress models.Progress
		if getJSON(t, ts.URL+"/api/sessions/"+sessionID+"/progress", &progress) != http.StatusOK {
			return false
		}
		return progress.TotalItems == 3 && progress.FullyCompleted == 3
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		var detail models.SessionDetail
		if getJSON(t, ts.URL+"/api/sessions/"+sessionID, &detail) != http.StatusOK {
			return false
		}
		return detail.Status == models.SessionStatusCompleted && len(detail.Items) == 3
	}, 10*time.Second, 50*time.Millisecond)

	var detail models.SessionDetail
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/sessions/"+sessionID, &detail))
	for _, item := range detail.Items {
		// Without credentials translation falls back to the source name
		assert.Equal(t, item.SourceText, item.TranslatedText)
	}
}

func TestServer_NotFound(t *testing.T) {
	ts := setupServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/sessions/sess_missing/progress", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/sessions/sess_missing", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/unknown", nil))
}
