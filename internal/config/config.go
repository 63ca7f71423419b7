// Package config handles configuration loading and validation.
//
// Values are layered, lowest precedence first: built-in defaults, an optional
// YAML file, environment variables (a .env file feeds the environment) and
// finally explicitly set command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/network"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Config holds runner configuration.
type Config struct {
	EthSepoliaRPC string
	InkSepoliaRPC string

	PrivateKeysPath string
	ProxiesPath     string
	NamesPath       string
	SymbolsPath     string
	DomainsPath     string
	ERC20Artifact   string // .bin hex or .json compiler artifact
	ERC721Artifact  string

	TxDelay      jitter.Range // DELAY_BETWEEN_TX, seconds
	AccountDelay jitter.Range // DELAY_BETWEEN_ACC, seconds
	ERC721Count  jitter.Range // random mode
	ERC20Count   jitter.Range // random mode

	Bridge BridgeConfig

	BridgeContract string
	DomainContract string
	DomainPriceWei int64        // per expiry unit
	DomainExpiry   jitter.Range // registration length draw

	ReceiptTimeout        time.Duration
	ReceiptPollInterval   time.Duration
	MaxNonceRetries       int
	GasMultiplier         float64
	RPCTimeout            time.Duration
	RPCRateLimit          float64 // requests/second per network, 0 = off
	MaxConcurrentAccounts int     // 0 = unbounded
	BroadcastConcurrency  int

	DatabasePath string // "" disables run history
	ListenAddr   string // "" disables the status server
	LogLevel     string
	LogFormat    string // "text" or "json"
}

// BridgeConfig mirrors BRIDGE_PARAMS. Amounts are decimal ETH strings;
// "0" or "" disables the setting.
type BridgeConfig struct {
	MinBalance string
	Amount     string
	Percent    jitter.Range
	Timeout    time.Duration
}

// CLIConfig holds the non-interactive run selection. An empty Operation means
// the interactive menu is shown.
type CLIConfig struct {
	Operation types.Operation
	Count     int
}

// Defaults
const (
	DefaultEthSepoliaRPC         = "https://ethereum-sepolia-rpc.publicnode.com"
	DefaultInkSepoliaRPC         = "https://rpc-gel-sepolia.inkonchain.com"
	DefaultPrivateKeysPath       = "data/private_keys.txt"
	DefaultProxiesPath           = "data/proxies.txt"
	DefaultNamesPath             = "data/names.txt"
	DefaultSymbolsPath           = "data/symbols.txt"
	DefaultDomainsPath           = "data/domains.txt"
	DefaultERC20Artifact         = "data/contracts/erc20.bin"
	DefaultERC721Artifact        = "data/contracts/erc721.bin"
	DefaultBridgeContract        = "0x33f60714BbD74d62b66D79213C348614DE51901C"
	DefaultDomainContract        = "0xf180136DdC9e4F8c9b5A9FE59e2b1f07265C5D4D"
	DefaultDomainPriceWei        = 5_000_000_000_000 // 0.000005 ETH
	DefaultBridgeTimeout         = 120 * time.Second
	DefaultReceiptTimeout        = 200 * time.Second
	DefaultReceiptPollInterval   = 2 * time.Second
	DefaultMaxNonceRetries       = 16
	DefaultGasMultiplier         = 1.1
	DefaultRPCTimeout            = 30 * time.Second
	DefaultBroadcastConcurrency  = 16
	DefaultDatabasePath          = "./data/inkrunner.db"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultEnvFile               = ".env"
	MaxOperationCount            = 1000
	DefaultMaxConcurrentAccounts = 0
)

// Default ranges.
var (
	DefaultTxDelay       = jitter.Range{Min: 5, Max: 12}
	DefaultAccountDelay  = jitter.Range{Min: 10, Max: 20}
	DefaultERC721Count   = jitter.Range{Min: 1, Max: 3}
	DefaultERC20Count    = jitter.Range{Min: 1, Max: 3}
	DefaultBridgePercent = jitter.Range{Min: 5, Max: 10}
	DefaultDomainExpiry  = jitter.Range{Min: 1, Max: 10}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		EthSepoliaRPC:         DefaultEthSepoliaRPC,
		InkSepoliaRPC:         DefaultInkSepoliaRPC,
		PrivateKeysPath:       DefaultPrivateKeysPath,
		ProxiesPath:           DefaultProxiesPath,
		NamesPath:             DefaultNamesPath,
		SymbolsPath:           DefaultSymbolsPath,
		DomainsPath:           DefaultDomainsPath,
		ERC20Artifact:         DefaultERC20Artifact,
		ERC721Artifact:        DefaultERC721Artifact,
		TxDelay:               DefaultTxDelay,
		AccountDelay:          DefaultAccountDelay,
		ERC721Count:           DefaultERC721Count,
		ERC20Count:            DefaultERC20Count,
		Bridge:                BridgeConfig{Percent: DefaultBridgePercent, Timeout: DefaultBridgeTimeout},
		BridgeContract:        DefaultBridgeContract,
		DomainContract:        DefaultDomainContract,
		DomainPriceWei:        DefaultDomainPriceWei,
		DomainExpiry:          DefaultDomainExpiry,
		ReceiptTimeout:        DefaultReceiptTimeout,
		ReceiptPollInterval:   DefaultReceiptPollInterval,
		MaxNonceRetries:       DefaultMaxNonceRetries,
		GasMultiplier:         DefaultGasMultiplier,
		RPCTimeout:            DefaultRPCTimeout,
		MaxConcurrentAccounts: DefaultMaxConcurrentAccounts,
		BroadcastConcurrency:  DefaultBroadcastConcurrency,
		DatabasePath:          DefaultDatabasePath,
		LogLevel:              DefaultLogLevel,
		LogFormat:             DefaultLogFormat,
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, *CLIConfig, error) {
	flags := flag.NewFlagSet("inkrunner", flag.ContinueOnError)
	var (
		configPath = flags.String("config", "", "YAML configuration file")
		envFile    = flags.String("env-file", DefaultEnvFile, "dotenv file loaded into the environment")
		opFlag     = flags.String("op", "", "Operation to run without the menu (bridge, erc721, erc20, random, domain)")
		countFlag  = flags.Int("count", 1, "Contracts per account for erc721/erc20")
		ethRPC     = flags.String("eth-rpc", "", "Ethereum Sepolia RPC URL")
		inkRPC     = flags.String("ink-rpc", "", "Ink Sepolia RPC URL")
		keysPath   = flags.String("keys", "", "Private keys file")
		proxyPath  = flags.String("proxies", "", "Proxies file")
		dbPath     = flags.String("db", "", "SQLite run history path (empty string keeps the configured value)")
		listenAddr = flags.String("listen", "", "HTTP status server address, e.g. :3001")
		maxConc    = flags.Int("max-concurrent", 0, "Maximum simultaneously running accounts (0 = unbounded)")
		logLevel   = flags.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat  = flags.String("log-format", "", "Log format (text, json)")
	)
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := loadEnvFile(*envFile); err != nil {
		return nil, nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.applyFile(*configPath); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, nil, err
	}

	// Flags override only when given explicitly.
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "eth-rpc":
			cfg.EthSepoliaRPC = *ethRPC
		case "ink-rpc":
			cfg.InkSepoliaRPC = *inkRPC
		case "keys":
			cfg.PrivateKeysPath = *keysPath
		case "proxies":
			cfg.ProxiesPath = *proxyPath
		case "db":
			cfg.DatabasePath = *dbPath
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "max-concurrent":
			cfg.MaxConcurrentAccounts = *maxConc
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	cli := &CLIConfig{Count: *countFlag}
	if *opFlag != "" {
		op, err := types.ParseOperation(*opFlag)
		if err != nil {
			return nil, nil, err
		}
		cli.Operation = op
		if err := cli.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, cli, nil
}

// loadEnvFile loads a dotenv file. Existing environment variables win and a
// missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// fileConfig is the YAML layout. Absent keys leave the current value alone.
type fileConfig struct {
	RPCs struct {
		EthereumSepolia string `yaml:"ethereum_sepolia"`
		InkSepolia      string `yaml:"ink_sepolia"`
	} `yaml:"rpcs"`
	Files struct {
		PrivateKeys string `yaml:"private_keys"`
		Proxies     string `yaml:"proxies"`
		Names       string `yaml:"names"`
		Symbols     string `yaml:"symbols"`
		Domains     string `yaml:"domains"`
		ERC20       string `yaml:"erc20"`
		ERC721      string `yaml:"erc721"`
	} `yaml:"files"`
	DelayBetweenTx  *jitter.Range `yaml:"delay_between_tx"`
	DelayBetweenAcc *jitter.Range `yaml:"delay_between_acc"`
	Random          struct {
		ERC721Count *jitter.Range `yaml:"erc721_count"`
		ERC20Count  *jitter.Range `yaml:"erc20_count"`
	} `yaml:"random"`
	Bridge struct {
		MinBalance string         `yaml:"min_balance"`
		Amount     string         `yaml:"amount"`
		Percent    *jitter.Range  `yaml:"percent"`
		Timeout    *time.Duration `yaml:"timeout"`
	} `yaml:"bridge"`
	Domain struct {
		Contract string        `yaml:"contract"`
		PriceWei int64         `yaml:"price_wei"`
		Expiry   *jitter.Range `yaml:"expiry"`
	} `yaml:"domain"`
	BridgeContract        string         `yaml:"bridge_contract"`
	ReceiptTimeout        *time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval   *time.Duration `yaml:"receipt_poll_interval"`
	MaxNonceRetries       int            `yaml:"max_nonce_retries"`
	GasMultiplier         float64        `yaml:"gas_multiplier"`
	RPCTimeout            *time.Duration `yaml:"rpc_timeout"`
	RPCRateLimit          *float64       `yaml:"rpc_rate_limit"`
	MaxConcurrentAccounts *int           `yaml:"max_concurrent_accounts"`
	BroadcastConcurrency  int            `yaml:"broadcast_concurrency"`
	DatabasePath          *string        `yaml:"database_path"`
	ListenAddr            string         `yaml:"listen_addr"`
	LogLevel              string         `yaml:"log_level"`
	LogFormat             string         `yaml:"log_format"`
}

// applyFile overlays a YAML file, expanding ${VAR} references first.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&c.EthSepoliaRPC, fc.RPCs.EthereumSepolia)
	setString(&c.InkSepoliaRPC, fc.RPCs.InkSepolia)
	setString(&c.PrivateKeysPath, fc.Files.PrivateKeys)
	setString(&c.ProxiesPath, fc.Files.Proxies)
	setString(&c.NamesPath, fc.Files.Names)
	setString(&c.SymbolsPath, fc.Files.Symbols)
	setString(&c.DomainsPath, fc.Files.Domains)
	setString(&c.ERC20Artifact, fc.Files.ERC20)
	setString(&c.ERC721Artifact, fc.Files.ERC721)
	setRange(&c.TxDelay, fc.DelayBetweenTx)
	setRange(&c.AccountDelay, fc.DelayBetweenAcc)
	setRange(&c.ERC721Count, fc.Random.ERC721Count)
	setRange(&c.ERC20Count, fc.Random.ERC20Count)
	setString(&c.Bridge.MinBalance, fc.Bridge.MinBalance)
	setString(&c.Bridge.Amount, fc.Bridge.Amount)
	setRange(&c.Bridge.Percent, fc.Bridge.Percent)
	setDuration(&c.Bridge.Timeout, fc.Bridge.Timeout)
	setString(&c.DomainContract, fc.Domain.Contract)
	if fc.Domain.PriceWei > 0 {
		c.DomainPriceWei = fc.Domain.PriceWei
	}
	setRange(&c.DomainExpiry, fc.Domain.Expiry)
	setString(&c.BridgeContract, fc.BridgeContract)
	setDuration(&c.ReceiptTimeout, fc.ReceiptTimeout)
	setDuration(&c.ReceiptPollInterval, fc.ReceiptPollInterval)
	if fc.MaxNonceRetries > 0 {
		c.MaxNonceRetries = fc.MaxNonceRetries
	}
	if fc.GasMultiplier > 0 {
		c.GasMultiplier = fc.GasMultiplier
	}
	setDuration(&c.RPCTimeout, fc.RPCTimeout)
	if fc.RPCRateLimit != nil {
		c.RPCRateLimit = *fc.RPCRateLimit
	}
	if fc.MaxConcurrentAccounts != nil {
		c.MaxConcurrentAccounts = *fc.MaxConcurrentAccounts
	}
	if fc.BroadcastConcurrency > 0 {
		c.BroadcastConcurrency = fc.BroadcastConcurrency
	}
	if fc.DatabasePath != nil {
		c.DatabasePath = *fc.DatabasePath
	}
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setRange(dst *jitter.Range, v *jitter.Range) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

// applyEnv overlays environment variables.
func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"ETH_SEPOLIA_RPC", &c.EthSepoliaRPC},
		{"INK_SEPOLIA_RPC", &c.InkSepoliaRPC},
		{"PRIVATE_KEYS_PATH", &c.PrivateKeysPath},
		{"PROXIES_PATH", &c.ProxiesPath},
		{"NAMES_PATH", &c.NamesPath},
		{"SYMBOLS_PATH", &c.SymbolsPath},
		{"DOMAIN_NAMES_PATH", &c.DomainsPath},
		{"ERC20_BYTECODE", &c.ERC20Artifact},
		{"ERC721_BYTECODE", &c.ERC721Artifact},
		{"BRIDGE_MIN_BALANCE", &c.Bridge.MinBalance},
		{"BRIDGE_AMOUNT", &c.Bridge.Amount},
		{"BRIDGE_CONTRACT", &c.BridgeContract},
		{"DOMAIN_CONTRACT", &c.DomainContract},
		{"DATABASE_PATH", &c.DatabasePath},
		{"LISTEN_ADDR", &c.ListenAddr},
		{"LOG_LEVEL", &c.LogLevel},
		{"LOG_FORMAT", &c.LogFormat},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ranges := []struct {
		key string
		dst *jitter.Range
	}{
		{"DELAY_BETWEEN_TX", &c.TxDelay},
		{"DELAY_BETWEEN_ACC", &c.AccountDelay},
		{"ERC721_COUNT", &c.ERC721Count},
		{"ERC20_COUNT", &c.ERC20Count},
		{"BRIDGE_PERCENT", &c.Bridge.Percent},
		{"DOMAIN_EXPIRY", &c.DomainExpiry},
	}
	for _, r := range ranges {
		if v := os.Getenv(r.key); v != "" {
			parsed, err := jitter.ParseRange(v)
			if err != nil {
				return fmt.Errorf("%s: %w", r.key, err)
			}
			*r.dst = parsed
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BRIDGE_TIMEOUT", &c.Bridge.Timeout},
		{"RECEIPT_TIMEOUT", &c.ReceiptTimeout},
		{"RECEIPT_POLL_INTERVAL", &c.ReceiptPollInterval},
		{"RPC_TIMEOUT", &c.RPCTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := parseDurationEnv(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_NONCE_RETRIES", &c.MaxNonceRetries},
		{"MAX_CONCURRENT_ACCOUNTS", &c.MaxConcurrentAccounts},
		{"BROADCAST_CONCURRENCY", &c.BroadcastConcurrency},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := parseIntEnv(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	if v := os.Getenv("DOMAIN_PRICE_WEI"); v != "" {
		n, err := parseInt64Env(v)
		if err != nil {
			return fmt.Errorf("DOMAIN_PRICE_WEI: %w", err)
		}
		c.DomainPriceWei = n
	}
	if v := os.Getenv("GAS_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GAS_MULTIPLIER: %w", err)
		}
		c.GasMultiplier = f
	}
	if v := os.Getenv("RPC_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RPC_RATE_LIMIT: %w", err)
		}
		c.RPCRateLimit = f
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.EthSepoliaRPC == "" {
		return fmt.Errorf("ethereum_sepolia RPC URL is required")
	}
	if c.InkSepoliaRPC == "" {
		return fmt.Errorf("ink_sepolia RPC URL is required")
	}
	for name, r := range map[string]jitter.Range{
		"delay between transactions": c.TxDelay,
		"delay between accounts":     c.AccountDelay,
		"erc721 count":               c.ERC721Count,
		"erc20 count":                c.ERC20Count,
		"bridge percent":             c.Bridge.Percent,
		"domain expiry":              c.DomainExpiry,
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Bridge.Percent.Min <= 0 || c.Bridge.Percent.Max > 100 {
		return fmt.Errorf("bridge percent must be within (0, 100], got %s", c.Bridge.Percent)
	}
	if c.DomainExpiry.Min < 1 {
		return fmt.Errorf("domain expiry must be at least 1")
	}
	if _, err := c.BridgeMinBalanceWei(); err != nil {
		return err
	}
	if _, err := c.BridgeAmountWei(); err != nil {
		return err
	}
	if !common.IsHexAddress(c.BridgeContract) {
		return fmt.Errorf("invalid bridge contract address: %q", c.BridgeContract)
	}
	if !common.IsHexAddress(c.DomainContract) {
		return fmt.Errorf("invalid domain contract address: %q", c.DomainContract)
	}
	if c.DomainPriceWei < 0 {
		return fmt.Errorf("domain price cannot be negative")
	}
	if c.Bridge.Timeout < 0 || c.ReceiptTimeout <= 0 || c.ReceiptPollInterval <= 0 || c.RPCTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxNonceRetries <= 0 {
		return fmt.Errorf("max nonce retries must be positive")
	}
	if c.GasMultiplier < 1 {
		return fmt.Errorf("gas multiplier must be at least 1, got %g", c.GasMultiplier)
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}
	if c.MaxConcurrentAccounts < 0 {
		return fmt.Errorf("max concurrent accounts cannot be negative")
	}
	if c.BroadcastConcurrency <= 0 {
		return fmt.Errorf("broadcast concurrency must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// Validate validates the CLI configuration.
func (c *CLIConfig) Validate() error {
	if c.Operation.NeedsCount() && (c.Count <= 0 || c.Count > MaxOperationCount) {
		return fmt.Errorf("count must be between 1 and %d", MaxOperationCount)
	}
	return nil
}

// Networks returns the Sepolia and Ink Sepolia descriptors with the
// configured RPC endpoints.
func (c *Config) Networks() (eth, ink *network.Network) {
	return network.SepoliaNetwork().WithRPC(c.EthSepoliaRPC), network.InkSepoliaNetwork().WithRPC(c.InkSepoliaRPC)
}

// BridgeAmountWei returns the fixed bridge amount, or nil when unset.
func (c *Config) BridgeAmountWei() (*big.Int, error) {
	v, err := ParseEther(c.Bridge.Amount)
	if err != nil {
		return nil, fmt.Errorf("bridge amount: %w", err)
	}
	return v, nil
}

// BridgeMinBalanceWei returns the minimum bridge balance, or nil when unset.
func (c *Config) BridgeMinBalanceWei() (*big.Int, error) {
	v, err := ParseEther(c.Bridge.MinBalance)
	if err != nil {
		return nil, fmt.Errorf("bridge min balance: %w", err)
	}
	return v, nil
}

var weiPerEther = big.NewRat(1_000_000_000_000_000_000, 1)

// ParseEther converts a decimal ETH string to wei, truncating below 1 wei.
// Empty, "0" and "false" yield nil.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "false") {
		return nil, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid ETH amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("ETH amount cannot be negative: %q", s)
	}
	if r.Sign() == 0 {
		return nil, nil
	}
	r.Mul(r, weiPerEther)
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// parseIntEnv parses a string environment variable as an integer.
func parseIntEnv(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseInt64Env parses a string environment variable as an int64.
func parseInt64Env(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// parseDurationEnv accepts Go durations ("90s") or bare seconds ("90").
func parseDurationEnv(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
