package hostabi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeGrants_DefaultsAndCase(t *testing.T) {
	grants, unknown := NormalizeGrants([]string{"CAP:HTTP.FETCH", " cap:secrets.get "})
	assert.Empty(t, unknown)
	assert.True(t, grants.Has(CapContextRead))
	assert.True(t, grants.Has(CapLogEmit))
	assert.True(t, grants.Has(CapUserRead))
	assert.True(t, grants.Has(CapHTTPFetch))
	assert.True(t, grants.Has(CapSecretsGet))
	assert.False(t, grants.Has(CapStorageKV))
}

func TestNormalizeGrants_UnknownCapability(t *testing.T) {
	_, unknown := NormalizeGrants([]string{"cap:teleport"})
	assert.Equal(t, []string{"cap:teleport"}, unknown)
}
