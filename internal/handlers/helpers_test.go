package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/spindle/internal/models"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ok     bool
		status int
	}{
		{name: "valid", body: `{"proxies":["http://10.0.0.1:80"]}`, ok: true, status: http.StatusOK},
		{name: "malformed", body: `{"proxies":`, status: http.StatusBadRequest},
		{name: "empty list", body: `{"proxies":[]}`, status: http.StatusBadRequest},
		{name: "blank entry", body: `{"proxies":[""]}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/proxies", strings.NewReader(tt.body))

			var payload models.AddProxiesRequest
			assert.Equal(t, tt.ok, DecodeJSON(rec, req, &payload))
			assert.Equal(t, tt.status, rec.Code)
			if !tt.ok {
				assert.Contains(t, rec.Body.String(), `"status":"error"`)
			}
		})
	}
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/proxies?count=7&detail=true&bad=x", nil)
	assert.Equal(t, 7, QueryInt(req, "count", 0))
	assert.Equal(t, 3, QueryInt(req, "bad", 3))
	assert.Equal(t, 3, QueryInt(req, "missing", 3))
	assert.True(t, QueryBool(req, "detail"))
	assert.False(t, QueryBool(req, "bad"))
}
