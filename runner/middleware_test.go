package runner

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/scanline/runner/models"
)

func TestRequestLogger(t *testing.T) {
	id := models.NewPipelineId().String()

	tests := []struct {
		name     string
		method   string
		path     string
		route    string
		status   float64
		pipeline string
	}{
		{"pipeline by id", http.MethodGet, "/pipelines/" + id, "/pipelines/{id}", 404, id},
		{"list", http.MethodGet, "/pipelines", "/pipelines", 200, ""},
		{"unknown path", http.MethodGet, "/nope", "unmatched", 404, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRunner(t, 4)
			var buf bytes.Buffer
			r.l = slog.New(slog.NewJSONHandler(&buf, nil))

			rec := httptest.NewRecorder()
			r.Router().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			var line struct {
				Request map[string]any `json:"request"`
			}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())

			assert.Equal(t, tt.method, line.Request["method"])
			assert.Equal(t, tt.route, line.Request["route"])
			assert.Equal(t, tt.status, line.Request["status"])
			if tt.pipeline != "" {
				assert.Equal(t, tt.pipeline, line.Request["pipeline"])
			} else {
				assert.NotContains(t, line.Request, "pipeline")
			}
		})
	}
}

func TestRequestLoggerPush(t *testing.T) {
	r, _ := newTestRunner(t, 4)
	var buf bytes.Buffer
	r.l = slog.New(slog.NewJSONHandler(&buf, nil))

	push(t, r.Router(), "garbage\n")

	assert.Contains(t, buf.String(), `"route":"/hooks/push"`)
	assert.Contains(t, buf.String(), `"repo":"`+repoURL+`"`)
}
