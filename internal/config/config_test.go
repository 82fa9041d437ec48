package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchTogglesFromEnvironment(t *testing.T) {
	t.Setenv(EnvKeepVerity, "true")
	t.Setenv(EnvKeepForceEncrypt, "false")
	t.Setenv(EnvPatchVbmetaFlag, "true")

	require.NoError(t, Initialize(""))
	assert.True(t, Instance.KeepVerity)
	assert.False(t, Instance.KeepForceEncrypt)
	assert.True(t, Instance.PatchVbmetaFlag)
}

func TestTogglesRequireLiteralTrue(t *testing.T) {
	// Anything but the literal string "true" counts as off.
	t.Setenv(EnvKeepVerity, "1")
	t.Setenv(EnvKeepForceEncrypt, "yes")

	require.NoError(t, Initialize(""))
	assert.False(t, Instance.KeepVerity)
	assert.False(t, Instance.KeepForceEncrypt)
}

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize(""))
	assert.False(t, Instance.Debug)
	assert.Equal(t, "human", Instance.LogFormat)
	assert.False(t, Instance.KeepVerity)
	assert.False(t, Instance.KeepForceEncrypt)
	assert.False(t, Instance.PatchVbmetaFlag)
}
