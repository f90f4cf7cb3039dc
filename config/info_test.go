package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

func TestServicePaths(t *testing.T) {
	t.Cleanup(func() { SetAPIBase("") })

	SetAPIBase("https://relay.example.com/")
	SetServicePath(framework.Presentation, "/presentations")
	assert.Equal(t, "https://relay.example.com/v1/presentations", GetServicePath(framework.Presentation))

	// without a public endpoint paths stay relative to the host
	SetAPIBase("")
	SetServicePath(framework.Delivery, "credentials")
	assert.Equal(t, "/v1/credentials", GetServicePath(framework.Delivery))
}
