package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
	"github.com/ternarybob/spindle/internal/models"
)

func requireBrowser(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no chrome binary available")
}

func TestNewRenderPoolRejectsEmptyPool(t *testing.T) {
	_, err := NewRenderPool(common.RenderConfig{MaxInstances: 0}, arbor.NewLogger())
	assert.Error(t, err)
}

func TestRenderPoolRendersPage(t *testing.T) {
	requireBrowser(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="out"></div><script>document.getElementById("out").textContent = "rendered";</script></body></html>`))
	}))
	defer server.Close()

	pool, err := NewRenderPool(common.RenderConfig{MaxInstances: 1, Headless: true}, arbor.NewLogger())
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 1, pool.Size())

	resp, err := pool.Render(context.Background(), models.NewRequest(server.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, resp.Text(), "rendered")

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
}
