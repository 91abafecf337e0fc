package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigPathEmptyWhenUnset(t *testing.T) {
	c := &Config{}
	path, ok := c.ConfigPath()
	assert.False(t, ok)
	assert.Empty(t, path)
}

func TestConfigPathReflectsConfigFile(t *testing.T) {
	c := &Config{ConfigFile: "config.json"}
	path, ok := c.ConfigPath()
	assert.True(t, ok)
	assert.Equal(t, "config.json", path)
}

func TestCredentialFallbackAppliesOnlyWhenUnset(t *testing.T) {
	t.Setenv("TD_USERNAME", "envuser")
	t.Setenv("TD_PASSWORD", "envpass")

	fromEnv := &Config{}
	applyCredentialFallback(fromEnv)
	assert.Equal(t, "envuser", fromEnv.Username)
	assert.Equal(t, "envpass", fromEnv.Password)

	alreadySet := &Config{Username: "cliuser", Password: "clipass"}
	applyCredentialFallback(alreadySet)
	assert.Equal(t, "cliuser", alreadySet.Username)
	assert.Equal(t, "clipass", alreadySet.Password)
}

func TestCredentialFallbackLeavesEmptyWhenNoEnv(t *testing.T) {
	c := &Config{}
	applyCredentialFallback(c)
	assert.Empty(t, c.Username)
	assert.Empty(t, c.Password)
}
