package middleware

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type introspecter struct {
	// Introspection endpoint according to https://www.rfc-editor.org/rfc/rfc7662.
	endpoint string

	// Config of the client credentials to use for authenticating with Endpoint.
	conf clientcredentials.Config
}

func newIntrospect(endpoint string, config clientcredentials.Config) *introspecter {
	return &introspecter{
		endpoint: endpoint,
		conf:     config,
	}
}

// Introspect extracts a token from the `Authorization` header, and determines whether it's active by using the
// Endpoint configured. A `nil` error represents an active token.
func (s introspecter) introspect(ctx context.Context, authHeader string) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	client := s.conf.Client(ctx)
	// Send a request to the introspect endpoint to decide whether this is allowed.
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return errors.New("no bearer")
	}

	body := make(url.Values)
	body.Set("token", token)
	introspectionReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return err
	}
	introspectionReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	introspectionResp, err := client.Do(introspectionReq)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			logrus.WithError(err).Warn("closing body")
		}
	}(introspectionResp.Body)

	if introspectionResp.StatusCode != http.StatusOK {
		return errors.Errorf("status does not indicate success: code: %d", introspectionResp.StatusCode)
	}

	result, err := extractIntrospectResult(introspectionResp.Body)
	if err != nil {
		return err
	}
	if !result.Active {
		return errors.New("invalid token")
	}
	return nil
}

func extractIntrospectResult(r io.Reader) (*result, error) {
	res := result{
		Optionals: make(map[string]json.RawMessage),
	}

	if err := json.NewDecoder(r).Decode(&res.Optionals); err != nil {
		return nil, err
	}

	if val, ok := res.Optionals["active"]; ok {
		if err := json.Unmarshal(val, &res.Active); err != nil {
			return nil, err
		}

		delete(res.Optionals, "active")
	}

	return &res, nil
}

// result is the OAuth2 Introspection Result
type result struct {
	Active bool

	Optionals map[string]json.RawMessage
}

// Introspect creates a middleware which gates access to admin resources.
// The token is taken from the `Authorization` header and sent to the introspect endpoint (which should be
// compliant with https://www.rfc-editor.org/rfc/rfc7662) to learn whether it is active.
// config represents the client credentials to use for authenticating with the introspect endpoint.
func Introspect(endpoint string, config clientcredentials.Config) gin.HandlerFunc {
	intro := newIntrospect(endpoint, config)
	return func(c *gin.Context) {
		if err := intro.introspect(c.Request.Context(), c.GetHeader("Authorization")); err != nil {
			logrus.WithError(err).Info("admin token rejected by introspection")
			abortUnauthorized(c, "invalid_token")
			return
		}
		c.Next()
	}
}
