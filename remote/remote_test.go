package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posfw/posfw/target"
)

func TestConfigFromInventory(t *testing.T) {
	inv := target.Inventory{
		"console.host":     "consoles.lab.example.com",
		"console.port":     "2201",
		"console.user":     "tcf",
		"console.password": "sekrit",
		"console.timeout":  "5",
	}
	cfg := ConfigFromInventory(inv, "console")
	assert.Equal(t, "consoles.lab.example.com", cfg.Host)
	assert.Equal(t, 2201, cfg.Port)
	assert.Equal(t, "tcf", cfg.User)
	assert.Equal(t, "sekrit", cfg.Password)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestConfigFromInventoryDefaults(t *testing.T) {
	cfg := ConfigFromInventory(target.Inventory{"ssh.host": "t1"}, "ssh")
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
}

func TestClientConfigNeedsCredentials(t *testing.T) {
	_, err := Config{Host: "t1", User: "root"}.clientConfig()
	require.Error(t, err)

	_, err = Config{Host: "t1", Password: "x"}.clientConfig()
	require.Error(t, err)

	cfg, err := Config{Host: "t1", User: "root", Password: "x"}.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, 20*time.Second, cfg.Timeout)
}
