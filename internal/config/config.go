// Package config loads the daemon configuration from defaults, an optional
// INI file and the command line, in increasing order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"confidential/internal/blockchain"
	"confidential/internal/crypto"
	"confidential/internal/transactions"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "confidentiald.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "confidentiald.log"
	defaultDBFilename     = "ledger.db"
	defaultKeyDirname     = "keys"
	defaultLogLevel       = "info"
	defaultRPCListen      = "127.0.0.1:8334"
	defaultBlockInterval  = 5 * time.Second
	defaultMaxConcurrency = 4
	defaultMempoolSize    = 10000
	defaultMaxBlockSize   = 1000
	defaultRateLimit      = 100
	defaultRateRefill     = 10
	defaultRatePeriod     = time.Second
	defaultTimeout        = 30 * time.Second
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultMinTransferAmount  = 1
	defaultRollbackDelayStart = 1
	defaultRollbackDelayEnd   = 1000
)

var (
	defaultHomeDir    = appHomeDir()
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// Service holds the protocol parameters shared by every node of a ledger.
type Service struct {
	MinTransferAmount  uint64 `long:"mintransfer" description:"Smallest amount a transfer may carry"`
	RollbackDelayStart uint32 `long:"rollbackmin" description:"Smallest admissible rollback delay in blocks (inclusive)"`
	RollbackDelayEnd   uint32 `long:"rollbackmax" description:"Largest admissible rollback delay in blocks (exclusive)"`
}

// Transactions converts the group into the protocol configuration.
func (s *Service) Transactions() transactions.Config {
	return transactions.Config{
		MinTransferAmount: s.MinTransferAmount,
		RollbackDelayBounds: transactions.DelayBounds{
			Start: s.RollbackDelayStart,
			End:   s.RollbackDelayEnd,
		},
	}
}

// Config is the daemon configuration.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store the ledger and proving keys"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MaxLogFiles    int `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	RPCListen    string        `long:"rpclisten" description:"Listen for HTTP API connections on this interface/port"`
	ReadTimeout  time.Duration `long:"readtimeout" description:"Maximum duration for reading an API request"`
	WriteTimeout time.Duration `long:"writetimeout" description:"Maximum duration for writing an API response"`
	RateLimit    int           `long:"ratelimit" description:"Number of API requests a client may burst (0 disables rate limiting)"`
	RateRefill   int           `long:"raterefill" description:"Requests restored to a client every rate period"`
	RatePeriod   time.Duration `long:"rateperiod" description:"Rate limit refill period"`

	BlockInterval  time.Duration `long:"blockinterval" description:"Time between blocks"`
	MaxBlockSize   int           `long:"maxblocksize" description:"Maximum number of transactions in a block"`
	MempoolSize    int           `long:"mempoolsize" description:"Maximum number of transactions waiting for a block"`
	MaxConcurrency int           `long:"maxconcurrency" description:"Maximum number of transactions verified in parallel"`

	ProvingKey   string `long:"provingkey" description:"Path to the range proof proving key, created when missing"`
	VerifyingKey string `long:"verifyingkey" description:"Path to the range proof verifying key, created when missing"`

	Allocations []string `long:"allocation" description:"Genesis wallet as <pubkey>:<amount> or <pubkey>:<commitment>, all hex except amount; may be repeated"`

	Service Service `group:"Service" namespace:"service"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		RPCListen:      defaultRPCListen,
		ReadTimeout:    defaultTimeout,
		WriteTimeout:   defaultTimeout,
		RateLimit:      defaultRateLimit,
		RateRefill:     defaultRateRefill,
		RatePeriod:     defaultRatePeriod,
		BlockInterval:  defaultBlockInterval,
		MaxBlockSize:   defaultMaxBlockSize,
		MempoolSize:    defaultMempoolSize,
		MaxConcurrency: defaultMaxConcurrency,
		Service: Service{
			MinTransferAmount:  defaultMinTransferAmount,
			RollbackDelayStart: defaultRollbackDelayStart,
			RollbackDelayEnd:   defaultRollbackDelayEnd,
		},
	}
}

// Load builds the configuration from args. Options on the command line
// override those of the configuration file, which override the defaults.
// A missing configuration file is only an error if it was named
// explicitly.
func Load(args []string) (*Config, error) {
	preCfg := Default()
	preParser := flags.NewParser(preCfg, flags.Default)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := Default()
	parser := flags.NewParser(cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) ||
			preCfg.ConfigFile != defaultConfigFile {

			return nil, fmt.Errorf("config file %s: %w",
				preCfg.ConfigFile, err)
		}
	}

	// Parse the command line again so it takes precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	cfg.ConfigFile = preCfg.ConfigFile

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if cfg.ProvingKey == "" {
		cfg.ProvingKey = filepath.Join(cfg.DataDir, defaultKeyDirname,
			"range_pk.bin")
	}
	if cfg.VerifyingKey == "" {
		cfg.VerifyingKey = filepath.Join(cfg.DataDir, defaultKeyDirname,
			"range_vk.bin")
	}
	cfg.ProvingKey = cleanAndExpandPath(cfg.ProvingKey)
	cfg.VerifyingKey = cleanAndExpandPath(cfg.VerifyingKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.Service.Transactions().Validate(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if c.BlockInterval <= 0 {
		return errors.New("blockinterval must be positive")
	}
	if c.MaxBlockSize <= 0 {
		return errors.New("maxblocksize must be positive")
	}
	if c.MempoolSize <= 0 {
		return errors.New("mempoolsize must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("maxconcurrency must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("ratelimit must not be negative")
	}
	if c.RateLimit > 0 && (c.RateRefill <= 0 || c.RatePeriod <= 0) {
		return errors.New("raterefill and rateperiod must be positive " +
			"when rate limiting")
	}
	if c.MaxLogFiles < 0 || c.MaxLogFileSize <= 0 {
		return errors.New("invalid log rotation settings")
	}
	if _, err := c.Genesis(); err != nil {
		return err
	}
	return nil
}

// DBPath is the location of the ledger database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}

// LogFile is the location of the main log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// Genesis parses the configured allocations. An allocation given as a plain
// amount is committed with zero blinding, so its owner can open it.
func (c *Config) Genesis() (blockchain.Genesis, error) {
	var (
		g    blockchain.Genesis
		seen = make(map[crypto.PublicKey]struct{})
	)
	for _, s := range c.Allocations {
		a, err := parseAllocation(s)
		if err != nil {
			return g, fmt.Errorf("allocation %q: %w", s, err)
		}
		if _, ok := seen[a.Key]; ok {
			return g, fmt.Errorf("allocation %q: duplicate key", s)
		}
		seen[a.Key] = struct{}{}
		g.Allocations = append(g.Allocations, a)
	}
	return g, nil
}

func parseAllocation(s string) (blockchain.Allocation, error) {
	var a blockchain.Allocation

	keyStr, balanceStr, ok := strings.Cut(s, ":")
	if !ok {
		return a, errors.New("expected <pubkey>:<balance>")
	}
	key, err := crypto.ParsePublicKeyHex(keyStr)
	if err != nil {
		return a, err
	}
	a.Key = key

	if amount, err := strconv.ParseUint(balanceStr, 10, 64); err == nil {
		a.Balance = crypto.CommitAmount(amount)
		return a, nil
	}
	raw, err := hex.DecodeString(balanceStr)
	if err != nil {
		return a, errors.New("balance is neither an amount nor a " +
			"hex commitment")
	}
	a.Balance, err = crypto.ParseCommitment(raw)
	return a, err
}

// appHomeDir returns the default application directory.
func appHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".confidentiald"
	}
	return filepath.Join(home, ".confidentiald")
}

// cleanAndExpandPath expands environment variables and a leading ~ in path
// and cleans the result.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
