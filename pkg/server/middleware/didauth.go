package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const identityKey = "didauth.identity"

// DIDAuth rejects any request without a valid DID-bound bearer token and stores the caller's identity.
func DIDAuth(authenticator *didauth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := authenticator.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			framework.LoggingRespondError(c, err, "authentication failed")
			c.Abort()
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// OptionalDIDAuth lets anonymous requests through without an identity. A token that is present must be valid.
func OptionalDIDAuth(authenticator *didauth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := authenticator.AuthenticateOptional(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			framework.LoggingRespondError(c, err, "authentication failed")
			c.Abort()
			return
		}
		if identity != nil {
			c.Set(identityKey, identity)
		}
		c.Next()
	}
}

// RequireRole must run after DIDAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetIdentity(c).HasRole(role) {
			framework.LoggingRespondError(c, svcframework.NewForbiddenError("token does not carry the "+role+" role"), "forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetIdentity returns the authenticated caller, or nil for anonymous requests.
func GetIdentity(c *gin.Context) *didauth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*didauth.Identity)
	return identity
}

// CallerDID is the authenticated caller's DID, or empty for anonymous requests.
func CallerDID(c *gin.Context) string {
	if identity := GetIdentity(c); identity != nil {
		return identity.DID
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	framework.Respond(c, framework.ErrorResponse{Error: msg}, http.StatusUnauthorized)
	c.Abort()
}
