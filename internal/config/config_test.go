package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"confidential/internal/crypto"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confidentiald.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]string{"--datadir=" + dir})
	require.NoError(t, err)

	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, defaultRPCListen, cfg.RPCListen)
	require.Equal(t, defaultBlockInterval, cfg.BlockInterval)
	require.Equal(t, filepath.Join(dir, "ledger.db"), cfg.DBPath())
	require.Equal(t, filepath.Join(dir, "keys", "range_pk.bin"),
		cfg.ProvingKey)
	require.Equal(t, filepath.Join(dir, "keys", "range_vk.bin"),
		cfg.VerifyingKey)

	svc := cfg.Service.Transactions()
	require.Equal(t, uint64(defaultMinTransferAmount), svc.MinTransferAmount)
	require.Equal(t, uint32(defaultRollbackDelayStart),
		svc.RollbackDelayBounds.Start)
	require.Equal(t, uint32(defaultRollbackDelayEnd),
		svc.RollbackDelayBounds.End)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
[Application Options]
rpclisten=0.0.0.0:9000
blockinterval=2s
mempoolsize=50
`)
	dir := t.TempDir()

	cfg, err := Load([]string{
		"--configfile=" + path,
		"--datadir=" + dir,
		"--mempoolsize=20",
		"--service.mintransfer=7",
		"--service.rollbackmin=3",
		"--service.rollbackmax=30",
	})
	require.NoError(t, err)

	// File values override defaults.
	require.Equal(t, "0.0.0.0:9000", cfg.RPCListen)
	require.Equal(t, 2*time.Second, cfg.BlockInterval)

	// The command line overrides the file.
	require.Equal(t, 20, cfg.MempoolSize)
	require.Equal(t, uint64(7), cfg.Service.MinTransferAmount)
	require.Equal(t, uint32(3), cfg.Service.RollbackDelayStart)
	require.Equal(t, uint32(30), cfg.Service.RollbackDelayEnd)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load([]string{
		"--configfile=" + filepath.Join(t.TempDir(), "missing.conf"),
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{
			name: "empty rollback range",
			modify: func(c *Config) {
				c.Service.RollbackDelayEnd = c.Service.RollbackDelayStart
			},
		},
		{
			name: "zero block interval",
			modify: func(c *Config) {
				c.BlockInterval = 0
			},
		},
		{
			name: "zero block size",
			modify: func(c *Config) {
				c.MaxBlockSize = 0
			},
		},
		{
			name: "zero mempool",
			modify: func(c *Config) {
				c.MempoolSize = 0
			},
		},
		{
			name: "rate limit without refill",
			modify: func(c *Config) {
				c.RateRefill = 0
			},
		},
		{
			name: "bad allocation",
			modify: func(c *Config) {
				c.Allocations = []string{"nonsense"}
			},
		},
	}

	require.NoError(t, Default().Validate())

	// A zero delay is admissible: the transfer is rolled back at the
	// next block.
	cfg := Default()
	cfg.Service.RollbackDelayStart = 0
	require.NoError(t, cfg.Validate())

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	// Disabling rate limiting makes the refill settings irrelevant.
	cfg = Default()
	cfg.RateLimit = 0
	cfg.RateRefill = 0
	require.NoError(t, cfg.Validate())
}

func TestGenesis(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	blinding, err := crypto.RandomBlinding()
	require.NoError(t, err)
	hidden := crypto.Commit(40, &blinding)

	cfg := Default()
	cfg.Allocations = []string{
		alice.Public.String() + ":100",
		bob.Public.String() + ":" + hidden.String(),
	}
	g, err := cfg.Genesis()
	require.NoError(t, err)
	require.Len(t, g.Allocations, 2)

	require.Equal(t, alice.Public, g.Allocations[0].Key)
	require.True(t, g.Allocations[0].Balance.Equal(crypto.CommitAmount(100)))
	require.Equal(t, bob.Public, g.Allocations[1].Key)
	require.True(t, g.Allocations[1].Balance.Equal(hidden))

	bad := []string{
		alice.Public.String(),
		"abcd:100",
		alice.Public.String() + ":zz",
		alice.Public.String() + ":abcd",
	}
	for _, s := range bad {
		cfg.Allocations = []string{s}
		_, err := cfg.Genesis()
		require.Error(t, err, s)
	}

	cfg.Allocations = []string{
		alice.Public.String() + ":1",
		alice.Public.String() + ":2",
	}
	_, err = cfg.Genesis()
	require.ErrorContains(t, err, "duplicate key")
}
