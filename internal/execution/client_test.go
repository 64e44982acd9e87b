package execution_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/execution"
)

func TestClient_Execute(t *testing.T) {
	type outputs struct {
		res      domain.ExecutionResult
		received map[string]any
	}

	tests := map[string]struct {
		handler http.HandlerFunc
		timeout time.Duration
		assert  func(t *testing.T, out outputs)
	}{
		"successful run should pass the backend result through": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":"success","stdout":"hi\n","stderr":"","exit_code":0,"execution_time":0.0425}`))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.ExecutionResult{
					Status:        domain.ExecutionSuccess,
					Stdout:        "hi\n",
					ExecutionTime: 0.0425,
					DurationMs:    43,
				}, out.res)

				assert.Equal(t, map[string]any{
					"language": "python",
					"code":     "cHJpbnQoJ2hpJyk=",
					"stdin":    "",
					"timeout":  float64(10),
				}, out.received, "code and stdin should be forwarded still encoded")
			},
		},

		"runtime error should stay a structured result": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status":"failed","stdout":"","stderr":"NameError","exit_code":1,"execution_time":0.01}`))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.ExecutionFailed, out.res.Status)
				assert.Equal(t, 1, out.res.ExitCode)
				assert.Equal(t, "NameError", out.res.Stderr)
				assert.Equal(t, int64(10), out.res.DurationMs)
			},
		},

		"non-2xx should become a failed result": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("runner pool exhausted"))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.ExecutionFailed, out.res.Status)
				assert.Equal(t, -1, out.res.ExitCode)
				assert.Equal(t, "Code execution service error: runner pool exhausted", out.res.Stderr)
			},
		},

		"slow backend should become a timeout result": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.ExecutionFailed, out.res.Status)
				assert.Equal(t, -1, out.res.ExitCode)
				assert.Equal(t, "Code execution service timeout", out.res.Stderr)
			},
		},

		"malformed body should become an internal error result": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{`))
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, -1, out.res.ExitCode)
				assert.Contains(t, out.res.Stderr, "Internal error: ")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var out outputs
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/execute", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&out.received))
				tt.handler(w, r)
			}))
			defer srv.Close()

			c := execution.NewClient(execution.Config{URL: srv.URL + "/", Timeout: tt.timeout})
			out.res = c.Execute(context.Background(), domain.ExecutionRequest{
				Language: "python",
				Code:     "cHJpbnQoJ2hpJyk=",
			})

			tt.assert(t, out)
		})
	}
}
