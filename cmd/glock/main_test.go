package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brown-csci1270/glock/pkg/concurrency"
	"github.com/brown-csci1270/glock/pkg/config"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock:\n  stripes: 8\n  hasher: murmur3\nserver:\n  port: 9000\n"), 0644))

	cfg := config.Defaults()
	root := makeGlockCommand(&cfg)
	root.AddCommand(&cobra.Command{
		Use:  "inspect",
		RunE: func(cmd *cobra.Command, args []string) error { return nil },
	})
	root.SetArgs([]string{"inspect", "--config.file", path, "--lock.stripes", "16"})
	require.NoError(t, root.Execute())

	assert.Equal(t, 16, cfg.Lock.Stripes)
	assert.Equal(t, "murmur3", cfg.Lock.Hasher)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestInvalidConfigFails(t *testing.T) {
	cfg := config.Defaults()
	root := makeGlockCommand(&cfg)
	root.SetArgs([]string{"stress", "--lock.stripes", "0"})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestRunStress(t *testing.T) {
	cfg := concurrency.DefaultConfig()
	cfg.AcquisitionTimeout = time.Second
	lm, err := concurrency.NewManager(cfg)
	require.NoError(t, err)
	defer lm.Close()

	res, err := runStress(lm, lock.NoneTracer, stressConfig{
		workers:        4,
		iterations:     50,
		resources:      16,
		locksPerTx:     3,
		exclusiveRatio: 0.5,
		seed:           1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.transactions.Load())
	assert.NotZero(t, res.locks.Load())
	assert.Empty(t, lm.ActiveLocks())
	assert.Zero(t, lm.Memory().EstimatedHeapMemory())
	assert.Zero(t, lm.ActiveClientCount())

	var out bytes.Buffer
	printStress(&out, res, lm.Memory().Peak(), time.Second)
	assert.Contains(t, out.String(), "transactions: 200 in 1s\n")

	_, err = runStress(lm, lock.NoneTracer, stressConfig{})
	assert.Error(t, err)
}

func TestStressCommand(t *testing.T) {
	cfg := config.Defaults()
	root := makeGlockCommand(&cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"stress", "--workers", "2", "--iterations", "10", "--ordered", "--seed", "3", "--log.level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "transactions: 20 in ")
	assert.Contains(t, out.String(), "peak lock memory: ")
}
