package config

import (
	"strings"
	"sync"

	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	ServiceName    = "ssi-relay"
	ServiceVersion = "0.1.0"
	APIVersion     = "v1"

	description = "The SSI Relay delivers encrypted Verifiable Credentials and Presentations between issuers, holders" +
		" and verifiers, authenticating every caller by the DID it signs as."
)

// serviceInfo holds the public URLs of each service, set once the server knows where it is reachable.
type serviceInfo struct {
	mu           sync.RWMutex
	apiBase      string
	servicePaths map[framework.Type]string
}

var info = serviceInfo{servicePaths: make(map[framework.Type]string)}

func Description() string {
	return description
}

// SetAPIBase sets the public base URL, e.g. https://relay.example.com. A trailing slash is dropped.
func SetAPIBase(url string) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.apiBase = strings.TrimSuffix(url, "/")
}

// SetServicePath records where a service's routes live under the API base and version.
func SetServicePath(service framework.Type, path string) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.servicePaths[service] = strings.Join([]string{info.apiBase, APIVersion, strings.TrimPrefix(path, "/")}, "/")
}

// GetServicePath is the public URL of a service's routes, or empty when it was never set.
func GetServicePath(service framework.Type) string {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return info.servicePaths[service]
}
