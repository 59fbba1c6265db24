package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = "127.0.0.1:3500"
	defaultCompiler         = "crystal"
	defaultHandlerEnv       = "HANDLER_PATH"
	defaultArtifact         = "handler"
	defaultSettleDelay      = time.Second
	defaultPollInterval     = 500 * time.Millisecond
	defaultCrystalRuntime   = "crystal:1.0"
	defaultRubyRuntime      = "ruby:3.0"
	defaultDiscoveryService = "_sentinel._tcp"
	defaultDiscoveryDomain  = "local."
	defaultAuthHeader       = "X-Sentinel-Token"
)

const (
	WatchModeNative = "native"
	WatchModePoll   = "poll"
)

// Config controls supervisor behavior.
type Config struct {
	WorkspaceRoot string
	ListenAddr    string
	// Token, when set, is required in AuthHeader for rebuild and event stream
	// requests.
	Token      string
	AuthHeader string

	Compiler    string
	RuntimeShim string
	HandlerEnv  string
	Artifact    string

	SettleDelay  time.Duration
	WatchMode    string
	PollInterval time.Duration

	DefaultCrystalRuntime string
	DefaultRubyRuntime    string

	// RebuildHooks runs before_build on change-triggered rebuilds too.
	RebuildHooks bool

	DiscoveryEnabled  bool
	DiscoveryService  string
	DiscoveryDomain   string
	DiscoveryInstance string

	LogLevel slog.Level
}

func Default() Config {
	return Config{
		ListenAddr:            defaultListenAddr,
		AuthHeader:            defaultAuthHeader,
		Compiler:              defaultCompiler,
		HandlerEnv:            defaultHandlerEnv,
		Artifact:              defaultArtifact,
		SettleDelay:           defaultSettleDelay,
		WatchMode:             WatchModeNative,
		PollInterval:          defaultPollInterval,
		DefaultCrystalRuntime: defaultCrystalRuntime,
		DefaultRubyRuntime:    defaultRubyRuntime,
		DiscoveryService:      defaultDiscoveryService,
		DiscoveryDomain:       defaultDiscoveryDomain,
		LogLevel:              slog.LevelInfo,
	}
}

func FromEnv() (Config, error) {
	cfg := Default()
	cfg.WorkspaceRoot = strings.TrimSpace(os.Getenv("SENTINEL_WORKSPACE"))
	if cfg.WorkspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.WorkspaceRoot = wd
	}
	cfg.ListenAddr = getEnv("SENTINEL_LISTEN_ADDR", cfg.ListenAddr)
	cfg.Token = strings.TrimSpace(os.Getenv("SENTINEL_TOKEN"))
	cfg.AuthHeader = getEnv("SENTINEL_AUTH_HEADER", cfg.AuthHeader)
	cfg.Compiler = getEnv("SENTINEL_COMPILER", cfg.Compiler)
	cfg.RuntimeShim = strings.TrimSpace(os.Getenv("SENTINEL_RUNTIME_SHIM"))
	cfg.HandlerEnv = getEnv("SENTINEL_HANDLER_ENV", cfg.HandlerEnv)
	cfg.Artifact = getEnv("SENTINEL_ARTIFACT", cfg.Artifact)
	cfg.WatchMode = strings.ToLower(getEnv("SENTINEL_WATCH_MODE", cfg.WatchMode))
	cfg.DefaultCrystalRuntime = getEnv("SENTINEL_CRYSTAL_RUNTIME", cfg.DefaultCrystalRuntime)
	cfg.DefaultRubyRuntime = getEnv("SENTINEL_RUBY_RUNTIME", cfg.DefaultRubyRuntime)
	cfg.DiscoveryService = getEnv("SENTINEL_DISCOVERY_SERVICE", cfg.DiscoveryService)
	cfg.DiscoveryDomain = getEnv("SENTINEL_DISCOVERY_DOMAIN", cfg.DiscoveryDomain)
	cfg.DiscoveryInstance = strings.TrimSpace(os.Getenv("SENTINEL_DISCOVERY_INSTANCE"))

	if v := strings.TrimSpace(os.Getenv("SENTINEL_SETTLE_DELAY")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENTINEL_SETTLE_DELAY: %w", err)
		}
		cfg.SettleDelay = d
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENTINEL_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_REBUILD_HOOKS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENTINEL_REBUILD_HOOKS: %w", err)
		}
		cfg.RebuildHooks = b
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_DISCOVERY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SENTINEL_DISCOVERY: %w", err)
		}
		cfg.DiscoveryEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("parse SENTINEL_LOG_LEVEL: %w", err)
		}
	}

	abs, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return Config{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg.WorkspaceRoot = abs
	if cfg.RuntimeShim != "" {
		shim, err := filepath.Abs(cfg.RuntimeShim)
		if err != nil {
			return Config{}, fmt.Errorf("resolve runtime shim: %w", err)
		}
		cfg.RuntimeShim = shim
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return errors.New("workspace root is required")
	}
	if !filepath.IsAbs(c.WorkspaceRoot) {
		return fmt.Errorf("workspace root must be absolute: %s", c.WorkspaceRoot)
	}
	if strings.TrimSpace(c.Compiler) == "" {
		return errors.New("compiler is required")
	}
	if strings.TrimSpace(c.RuntimeShim) == "" {
		return errors.New("runtime shim is required")
	}
	if !filepath.IsAbs(c.RuntimeShim) {
		return fmt.Errorf("runtime shim must be absolute: %s", c.RuntimeShim)
	}
	if strings.TrimSpace(c.HandlerEnv) == "" {
		return errors.New("handler env name is required")
	}
	if strings.TrimSpace(c.Artifact) == "" {
		return errors.New("artifact name is required")
	}
	if strings.ContainsRune(c.Artifact, filepath.Separator) {
		return fmt.Errorf("artifact name must not contain a path separator: %s", c.Artifact)
	}
	if c.SettleDelay < 0 {
		return errors.New("settle delay must be >= 0")
	}
	switch c.WatchMode {
	case WatchModeNative:
	case WatchModePoll:
		if c.PollInterval <= 0 {
			return errors.New("poll interval must be > 0")
		}
	default:
		return fmt.Errorf("unknown watch mode %q", c.WatchMode)
	}
	if !strings.HasPrefix(c.DefaultCrystalRuntime, "crystal:") {
		return fmt.Errorf("default crystal runtime must start with crystal: (got %q)", c.DefaultCrystalRuntime)
	}
	if !strings.HasPrefix(c.DefaultRubyRuntime, "ruby:") {
		return fmt.Errorf("default ruby runtime must start with ruby: (got %q)", c.DefaultRubyRuntime)
	}
	if c.Token != "" && strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("auth header is required when a token is set")
	}
	if c.DiscoveryEnabled && strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("discovery requires a listen addr")
	}
	return nil
}

// ArtifactPaths lists the build outputs a project watcher must ignore.
func (c Config) ArtifactPaths(projectDir string) []string {
	base := filepath.Join(projectDir, c.Artifact)
	return []string{base, base + ".dwarf"}
}

func getEnv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}
