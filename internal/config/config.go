// Package config builds the server configuration from built-in defaults, an
// optional TOML file, DESKRELAY_* environment variables, and command-line
// flags, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// ServerConfig holds every runtime setting of the broker process.
type ServerConfig struct {
	ConfigPath        string
	Listen            string
	ListenHTTP        string
	PublicURL         string
	TLSMode           string
	Domain            string
	CertCacheDir      string
	TLSCertFile       string
	TLSKeyFile        string
	DBPath            string
	FilesDir          string
	LogLevel          string
	LogFormat         string
	MachinePort       int
	IdleTimeout       time.Duration
	DialTimeout       time.Duration
	RelayBufferBytes  int
	JanitorInterval   time.Duration
	MaxUploadBytes    int64
	ShutdownTimeout   time.Duration
	DebugListen       string
	OperatorTokenHash string
	// RegisterRate is the per-client-IP refill rate of machine registration
	// attempts per second; 0 disables the limit.
	RegisterRate  float64
	RegisterBurst int
}

// TLS modes.
const (
	TLSModeOff    = "off"
	TLSModeAuto   = "auto"
	TLSModeStatic = "static"
)

const envPrefix = "DESKRELAY_"

const defaultListen = ":8080"
const defaultHTTPChallengeListen = ":80"
const defaultDBPath = "./deskrelay.db"
const defaultFilesDir = "./files"
const defaultCertCacheDir = "./cert"
const defaultMachinePort = 5900
const defaultIdleTimeout = 5 * time.Minute
const defaultDialTimeout = 10 * time.Second
const defaultRelayBufferBytes = 32 * 1024
const defaultJanitorInterval = 15 * time.Second
const defaultMaxUploadBytes = 128 << 20
const defaultShutdownTimeout = 10 * time.Second
const defaultRegisterRate = 1.0
const defaultRegisterBurst = 10

// Default returns the built-in configuration.
func Default() ServerConfig {
	return ServerConfig{
		Listen:           defaultListen,
		ListenHTTP:       defaultHTTPChallengeListen,
		TLSMode:          TLSModeOff,
		CertCacheDir:     defaultCertCacheDir,
		DBPath:           defaultDBPath,
		FilesDir:         defaultFilesDir,
		LogLevel:         "info",
		LogFormat:        "text",
		MachinePort:      defaultMachinePort,
		IdleTimeout:      defaultIdleTimeout,
		DialTimeout:      defaultDialTimeout,
		RelayBufferBytes: defaultRelayBufferBytes,
		JanitorInterval:  defaultJanitorInterval,
		MaxUploadBytes:   defaultMaxUploadBytes,
		ShutdownTimeout:  defaultShutdownTimeout,
		RegisterRate:     defaultRegisterRate,
		RegisterBurst:    defaultRegisterBurst,
	}
}

// fileConfig mirrors ServerConfig in TOML. Durations are strings such as
// "5m" or "15s"; zero values leave the current setting untouched.
type fileConfig struct {
	Listen            string `toml:"listen"`
	ListenHTTP        string `toml:"http_challenge_listen"`
	PublicURL         string `toml:"public_url"`
	TLSMode           string `toml:"tls_mode"`
	Domain            string `toml:"domain"`
	CertCacheDir      string `toml:"cert_cache_dir"`
	TLSCertFile       string `toml:"tls_cert_file"`
	TLSKeyFile        string `toml:"tls_key_file"`
	DBPath            string `toml:"db_path"`
	FilesDir          string `toml:"files_dir"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
	MachinePort       int    `toml:"machine_port"`
	IdleTimeout       string `toml:"idle_timeout"`
	DialTimeout       string `toml:"dial_timeout"`
	RelayBufferBytes  int    `toml:"relay_buffer_bytes"`
	JanitorInterval   string `toml:"janitor_interval"`
	MaxUploadBytes    int64  `toml:"max_upload_bytes"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	DebugListen       string `toml:"debug_listen"`
	OperatorTokenHash string `toml:"operator_token_hash"`
	// Pointers so that an explicit 0 in the file can disable the limit.
	RegisterRate  *float64 `toml:"register_rate"`
	RegisterBurst *int     `toml:"register_burst"`
}

// ParseServerFlags resolves the server configuration for the given
// command-line arguments.
func ParseServerFlags(args []string) (ServerConfig, error) {
	flagCfg := Default()
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.StringVar(&flagCfg.ConfigPath, "config", "", "TOML config file (env DESKRELAY_CONFIG)")
	fs.StringVar(&flagCfg.Listen, "listen", flagCfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&flagCfg.ListenHTTP, "http-challenge-listen", flagCfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode=auto)")
	fs.StringVar(&flagCfg.PublicURL, "public-url", flagCfg.PublicURL, "Externally reachable base URL, e.g. https://relay.example.com")
	fs.StringVar(&flagCfg.TLSMode, "tls-mode", flagCfg.TLSMode, "TLS mode: off|auto|static")
	fs.StringVar(&flagCfg.Domain, "domain", flagCfg.Domain, "Public domain for ACME certificates")
	fs.StringVar(&flagCfg.CertCacheDir, "cert-cache-dir", flagCfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&flagCfg.TLSCertFile, "tls-cert-file", flagCfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&flagCfg.TLSKeyFile, "tls-key-file", flagCfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&flagCfg.DBPath, "db", flagCfg.DBPath, "SQLite database path")
	fs.StringVar(&flagCfg.FilesDir, "files-dir", flagCfg.FilesDir, "Root directory for per-connection file areas")
	fs.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&flagCfg.LogFormat, "log-format", flagCfg.LogFormat, "Log format: text|json")
	fs.IntVar(&flagCfg.MachinePort, "machine-port", flagCfg.MachinePort, "Default remote-desktop port on registered machines")
	fs.DurationVar(&flagCfg.IdleTimeout, "idle-timeout", flagCfg.IdleTimeout, "Close sessions with no relay traffic for this long")
	fs.DurationVar(&flagCfg.DialTimeout, "dial-timeout", flagCfg.DialTimeout, "Timeout for dialing a machine")
	fs.IntVar(&flagCfg.RelayBufferBytes, "relay-buffer-bytes", flagCfg.RelayBufferBytes, "Relay buffer size per direction")
	fs.DurationVar(&flagCfg.JanitorInterval, "janitor-interval", flagCfg.JanitorInterval, "Idle session sweep interval")
	fs.Int64Var(&flagCfg.MaxUploadBytes, "max-upload-bytes", flagCfg.MaxUploadBytes, "Maximum accepted upload size")
	fs.DurationVar(&flagCfg.ShutdownTimeout, "shutdown-timeout", flagCfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.StringVar(&flagCfg.DebugListen, "debug-listen", flagCfg.DebugListen, "Debug listener (pprof, metrics); empty disables")
	fs.StringVar(&flagCfg.OperatorTokenHash, "operator-token-hash", flagCfg.OperatorTokenHash, "bcrypt hash of the operator bearer token; empty disables the gate")
	fs.Float64Var(&flagCfg.RegisterRate, "register-rate", flagCfg.RegisterRate, "Machine registrations per second per client IP; 0 disables the limit")
	fs.IntVar(&flagCfg.RegisterBurst, "register-burst", flagCfg.RegisterBurst, "Machine registration burst per client IP")
	if err := fs.Parse(args); err != nil {
		return flagCfg, err
	}

	cfg := Default()
	cfg.ConfigPath = envOrDefault(envPrefix+"CONFIG", "")
	if fs.Changed("config") {
		cfg.ConfigPath = flagCfg.ConfigPath
	}
	if cfg.ConfigPath != "" {
		if err := loadFile(cfg.ConfigPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *pflag.Flag) {
		applyFlag(&cfg, &flagCfg, f.Name)
	})

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *ServerConfig) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.ListenHTTP, fc.ListenHTTP)
	setString(&cfg.PublicURL, fc.PublicURL)
	setString(&cfg.TLSMode, fc.TLSMode)
	setString(&cfg.Domain, fc.Domain)
	setString(&cfg.CertCacheDir, fc.CertCacheDir)
	setString(&cfg.TLSCertFile, fc.TLSCertFile)
	setString(&cfg.TLSKeyFile, fc.TLSKeyFile)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.FilesDir, fc.FilesDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.DebugListen, fc.DebugListen)
	setString(&cfg.OperatorTokenHash, fc.OperatorTokenHash)
	if fc.MachinePort != 0 {
		cfg.MachinePort = fc.MachinePort
	}
	if fc.RelayBufferBytes != 0 {
		cfg.RelayBufferBytes = fc.RelayBufferBytes
	}
	if fc.MaxUploadBytes != 0 {
		cfg.MaxUploadBytes = fc.MaxUploadBytes
	}
	if fc.RegisterRate != nil {
		cfg.RegisterRate = *fc.RegisterRate
	}
	if fc.RegisterBurst != nil {
		cfg.RegisterBurst = *fc.RegisterBurst
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", fc.IdleTimeout, &cfg.IdleTimeout},
		{"dial_timeout", fc.DialTimeout, &cfg.DialTimeout},
		{"janitor_interval", fc.JanitorInterval, &cfg.JanitorInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *ServerConfig) error {
	cfg.Listen = envOrDefault(envPrefix+"LISTEN", cfg.Listen)
	cfg.ListenHTTP = envOrDefault(envPrefix+"LISTEN_HTTP_CHALLENGE", cfg.ListenHTTP)
	cfg.PublicURL = envOrDefault(envPrefix+"PUBLIC_URL", cfg.PublicURL)
	cfg.TLSMode = envOrDefault(envPrefix+"TLS_MODE", cfg.TLSMode)
	cfg.Domain = envOrDefault(envPrefix+"DOMAIN", cfg.Domain)
	cfg.CertCacheDir = envOrDefault(envPrefix+"CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.TLSCertFile = envOrDefault(envPrefix+"TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault(envPrefix+"TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.DBPath = envOrDefault(envPrefix+"DB_PATH", cfg.DBPath)
	cfg.FilesDir = envOrDefault(envPrefix+"FILES_DIR", cfg.FilesDir)
	cfg.LogLevel = envOrDefault(envPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault(envPrefix+"LOG_FORMAT", cfg.LogFormat)
	cfg.DebugListen = envOrDefault(envPrefix+"DEBUG_LISTEN", cfg.DebugListen)
	cfg.OperatorTokenHash = envOrDefault(envPrefix+"OPERATOR_TOKEN_HASH", cfg.OperatorTokenHash)

	var err error
	if cfg.MachinePort, err = envIntOrDefault(envPrefix+"MACHINE_PORT", cfg.MachinePort); err != nil {
		return err
	}
	if cfg.RelayBufferBytes, err = envIntOrDefault(envPrefix+"RELAY_BUFFER_BYTES", cfg.RelayBufferBytes); err != nil {
		return err
	}
	maxUpload, err := envIntOrDefault(envPrefix+"MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	if cfg.IdleTimeout, err = envDurationOrDefault(envPrefix+"IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return err
	}
	if cfg.DialTimeout, err = envDurationOrDefault(envPrefix+"DIAL_TIMEOUT", cfg.DialTimeout); err != nil {
		return err
	}
	if cfg.JanitorInterval, err = envDurationOrDefault(envPrefix+"JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(envPrefix+"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.RegisterRate, err = envFloatOrDefault(envPrefix+"REGISTER_RATE", cfg.RegisterRate); err != nil {
		return err
	}
	if cfg.RegisterBurst, err = envIntOrDefault(envPrefix+"REGISTER_BURST", cfg.RegisterBurst); err != nil {
		return err
	}
	return nil
}

func applyFlag(cfg, flagCfg *ServerConfig, name string) {
	switch name {
	case "listen":
		cfg.Listen = flagCfg.Listen
	case "http-challenge-listen":
		cfg.ListenHTTP = flagCfg.ListenHTTP
	case "public-url":
		cfg.PublicURL = flagCfg.PublicURL
	case "tls-mode":
		cfg.TLSMode = flagCfg.TLSMode
	case "domain":
		cfg.Domain = flagCfg.Domain
	case "cert-cache-dir":
		cfg.CertCacheDir = flagCfg.CertCacheDir
	case "tls-cert-file":
		cfg.TLSCertFile = flagCfg.TLSCertFile
	case "tls-key-file":
		cfg.TLSKeyFile = flagCfg.TLSKeyFile
	case "db":
		cfg.DBPath = flagCfg.DBPath
	case "files-dir":
		cfg.FilesDir = flagCfg.FilesDir
	case "log-level":
		cfg.LogLevel = flagCfg.LogLevel
	case "log-format":
		cfg.LogFormat = flagCfg.LogFormat
	case "machine-port":
		cfg.MachinePort = flagCfg.MachinePort
	case "idle-timeout":
		cfg.IdleTimeout = flagCfg.IdleTimeout
	case "dial-timeout":
		cfg.DialTimeout = flagCfg.DialTimeout
	case "relay-buffer-bytes":
		cfg.RelayBufferBytes = flagCfg.RelayBufferBytes
	case "janitor-interval":
		cfg.JanitorInterval = flagCfg.JanitorInterval
	case "max-upload-bytes":
		cfg.MaxUploadBytes = flagCfg.MaxUploadBytes
	case "shutdown-timeout":
		cfg.ShutdownTimeout = flagCfg.ShutdownTimeout
	case "debug-listen":
		cfg.DebugListen = flagCfg.DebugListen
	case "operator-token-hash":
		cfg.OperatorTokenHash = flagCfg.OperatorTokenHash
	case "register-rate":
		cfg.RegisterRate = flagCfg.RegisterRate
	case "register-burst":
		cfg.RegisterBurst = flagCfg.RegisterBurst
	}
}

func (c *ServerConfig) normalize() error {
	c.TLSMode = strings.ToLower(strings.TrimSpace(c.TLSMode))
	if c.TLSMode == "" {
		c.TLSMode = TLSModeOff
	}
	c.Domain = normalizeDomainHost(c.Domain)
	c.PublicURL = strings.TrimSuffix(strings.TrimSpace(c.PublicURL), "/")
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.OperatorTokenHash = strings.TrimSpace(c.OperatorTokenHash)

	switch c.TLSMode {
	case TLSModeOff:
	case TLSModeAuto:
		if c.Domain == "" {
			return errors.New("tls mode auto requires --domain or DESKRELAY_DOMAIN")
		}
	case TLSModeStatic:
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	default:
		return errors.New("tls mode must be one of: off, auto, static")
	}
	switch c.LogFormat {
	case "", "text":
		c.LogFormat = "text"
	case "json":
	default:
		return errors.New("log format must be text or json")
	}
	if c.PublicURL == "" && c.Domain != "" && c.TLSMode != TLSModeOff {
		c.PublicURL = "https://" + c.Domain
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("public url must be an absolute http(s) URL")
		}
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db path must not be empty")
	}
	if strings.TrimSpace(c.FilesDir) == "" {
		return errors.New("files dir must not be empty")
	}
	if c.MachinePort <= 0 || c.MachinePort > 65535 {
		return errors.New("machine port must be between 1 and 65535")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be > 0")
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be > 0")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("janitor interval must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be > 0")
	}
	if c.RelayBufferBytes < 1024 {
		return errors.New("relay buffer must be at least 1024 bytes")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be > 0")
	}
	if c.RegisterRate < 0 {
		return errors.New("register rate must be >= 0")
	}
	if c.RegisterRate > 0 && c.RegisterBurst < 1 {
		return errors.New("register burst must be at least 1")
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloatOrDefault(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			v = v[1:end]
		}
	} else if strings.Count(v, ":") == 1 {
		v, _, _ = strings.Cut(v, ":")
	}
	return strings.TrimSuffix(v, ".")
}
