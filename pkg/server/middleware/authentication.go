package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tbd54566975/ssi-relay/config"
)

const adminAuthRequired = "admin authorization is required"

// AdminAuth gates operator routes. A configured admin_token_hash takes precedence: the bearer token's sha256 hex
// must match it. Otherwise the token is checked against the OAuth2 introspection endpoint. With neither
// configured every request is rejected.
func AdminAuth(cfg config.ServerConfig) gin.HandlerFunc {
	if cfg.AdminTokenHash != "" {
		return TokenHashAuth(cfg.AdminTokenHash)
	}
	if cfg.IntrospectEndpoint != "" {
		return Introspect(cfg.IntrospectEndpoint, clientcredentials.Config{
			ClientID:     cfg.IntrospectClientID,
			ClientSecret: cfg.IntrospectClientSecret,
			TokenURL:     cfg.IntrospectTokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		})
	}
	logrus.Warn("no admin credential configured, admin routes are disabled")
	return func(c *gin.Context) {
		abortUnauthorized(c, adminAuthRequired)
	}
}

// TokenHashAuth accepts a bearer token whose sha256 hex digest equals tokenHash.
func TokenHashAuth(tokenHash string) gin.HandlerFunc {
	expected := []byte(strings.ToLower(tokenHash))
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			abortUnauthorized(c, adminAuthRequired)
			return
		}

		// Generate SHA256 hash of the token from the header
		hash := sha256.Sum256([]byte(token))
		hashedToken := []byte(hex.EncodeToString(hash[:]))
		if subtle.ConstantTimeCompare(hashedToken, expected) != 1 {
			abortUnauthorized(c, adminAuthRequired)
			return
		}
		c.Next()
	}
}
