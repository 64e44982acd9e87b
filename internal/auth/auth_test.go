package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/peerprep/internal/auth"
)

const secret = "s3cret"

func TestVerifier_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sign := func(t *testing.T, key string, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}

	tests := map[string]struct {
		secret  string
		request func(t *testing.T) *http.Request
		status  int
	}{
		"valid bearer token for the same user should pass": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
				r.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{"user_id": "alice"}))
				return r
			},
			status: http.StatusOK,
		},

		"token in the query should pass": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/users/alice?token="+sign(t, secret, jwt.MapClaims{"user_id": "alice"}), nil)
			},
			status: http.StatusOK,
		},

		"token for another user should be forbidden": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
				r.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{"user_id": "bob"}))
				return r
			},
			status: http.StatusForbidden,
		},

		"missing token should be unauthorized": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/users/alice", nil)
			},
			status: http.StatusUnauthorized,
		},

		"token signed with another key should be unauthorized": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
				r.Header.Set("Authorization", "Bearer "+sign(t, "other", jwt.MapClaims{"user_id": "alice"}))
				return r
			},
			status: http.StatusUnauthorized,
		},

		"expired token should be unauthorized": {
			secret: secret,
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
				r.Header.Set("Authorization", "Bearer "+sign(t, secret, jwt.MapClaims{
					"user_id": "alice",
					"exp":     time.Now().Add(-time.Minute).Unix(),
				}))
				return r
			},
			status: http.StatusUnauthorized,
		},

		"no secret should disable verification": {
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/users/alice", nil)
			},
			status: http.StatusOK,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := gin.New()
			e.Use(auth.NewVerifier(auth.Config{Secret: tt.secret}).Middleware())
			e.GET("/users/:id", func(c *gin.Context) {
				if err := auth.CheckUser(c, c.Param("id")); err != nil {
					c.Status(http.StatusForbidden)
					return
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			e.ServeHTTP(w, tt.request(t))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
