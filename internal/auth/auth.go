// Package auth verifies bearer tokens issued by the external user service.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/peerprep/internal/errors"
)

const userIDKey = "auth.user_id"

type Config struct {
	// Secret is the HMAC key tokens are signed with. Verification is disabled when empty.
	Secret string
}

type Verifier struct {
	secret []byte
}

func NewVerifier(c Config) *Verifier {
	return &Verifier{secret: []byte(c.Secret)}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Verify parses the token and returns its user_id claim.
func (v *Verifier) Verify(token string) (string, error) {
	t, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !t.Valid {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token"), errors.WithCause(err))
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token claims"))
	}

	uid, ok := claims["user_id"].(string)
	if !ok || uid == "" {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("token missing user_id"))
	}

	return uid, nil
}

// Middleware rejects requests without a valid token. Browsers cannot set headers on websocket
// handshakes, so the token is also accepted as the token query parameter.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}

		token := c.Query("token")
		if h := c.GetHeader("Authorization"); token == "" && strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing token")))
			return
		}

		uid, err := v.Verify(token)
		if err != nil {
			e := errors.Convert(err)
			c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
			return
		}

		c.Set(userIDKey, uid)
		c.Next()
	}
}

// CheckUser fails with PermissionDenied when the request acts for a user other than the token's.
func CheckUser(c *gin.Context, userID string) error {
	uid, ok := c.Get(userIDKey)
	if !ok {
		return nil
	}
	if uid != userID {
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("token does not belong to user %s", userID))
	}
	return nil
}
