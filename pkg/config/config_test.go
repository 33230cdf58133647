package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brown-csci1270/glock/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Server.Port)
	assert.True(t, c.Server.Prompt)
	assert.Equal(t, 64, c.Lock.Stripes)
	assert.Equal(t, hash.XxHash, c.Lock.Hasher)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "", c.Journal.Path)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lock:
  acquisition_timeout: 250ms
  verbose_deadlocks: true
  hasher: murmur3
log:
  level: debug
journal:
  path: /var/lib/glock/journal.log
server:
  port: 9000
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.Lock.AcquisitionTimeout)
	assert.True(t, c.Lock.VerboseDeadlocks)
	assert.Equal(t, hash.Murmur3, c.Lock.Hasher)
	assert.Equal(t, 64, c.Lock.Stripes)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "logfmt", c.Log.Format)
	assert.Equal(t, "/var/lib/glock/journal.log", c.Journal.Path)
	assert.Equal(t, 9000, c.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.LoadBytes([]byte("lock:\n  stripes: 0\n")))
	assert.Error(t, c.Validate())

	c = Defaults()
	require.NoError(t, c.LoadBytes([]byte("server:\n  port: 70000\n")))
	assert.Error(t, c.Validate())

	c = Defaults()
	assert.Error(t, c.LoadBytes([]byte("lock: [")))

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetPrompt(t *testing.T) {
	assert.Equal(t, "glock> ", GetPrompt(true))
	assert.Equal(t, "", GetPrompt(false))
}
