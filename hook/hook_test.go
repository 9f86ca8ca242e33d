package hook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	retryDelay = time.Millisecond
}

const payload = "0000000000000000000000000000000000000000 1111111111111111111111111111111111111111 refs/heads/main\n"

func TestPost(t *testing.T) {
	var got struct {
		body, repo, path string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.body, got.repo, got.path = string(b), r.Header.Get("X-Repo-Url"), r.URL.Path
		w.Write([]byte(`[{"pipeline":"p1","workflow":"pipeline","ref":"refs/heads/main"},` +
			`{"pipeline":"p0","workflow":"other","ref":"refs/heads/main","duplicate":true}]`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := Post(context.Background(), srv.Client(), srv.URL+"/", "https://example.com/webapp.git", []byte(payload), &out)
	require.NoError(t, err)

	assert.Equal(t, "/hooks/push", got.path)
	assert.Equal(t, payload, got.body)
	assert.Equal(t, "https://example.com/webapp.git", got.repo)
	assert.Equal(t,
		"scanline: started pipeline for refs/heads/main (pipeline p1)\n"+
			"scanline: other already ran for refs/heads/main (pipeline p0)\n",
		out.String())
}

func TestPostRetries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		calls    int32
		wantErr  bool
	}{
		{"recovers", []int{http.StatusServiceUnavailable, http.StatusOK}, 2, false},
		{"gives up", []int{500, 500, 500, 500}, postAttempts, true},
		{"client error", []int{http.StatusBadRequest, http.StatusOK}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[n-1])
				if tt.statuses[n-1] == http.StatusOK {
					w.Write([]byte(`[]`))
				}
			}))
			defer srv.Close()

			err := Post(context.Background(), srv.Client(), srv.URL, "repo", []byte(payload), io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}
