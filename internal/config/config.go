package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/darkit/protoid"
	"github.com/darkit/protoid/protocols"
)

// Config is the resolved protoid configuration.
type Config struct {
	Listen             string
	MetricsListen      string
	MaxConnections     int
	BufferSize         int
	PeekSize           int
	IdentifyTimeout    time.Duration
	DialTimeout        time.Duration
	ExtendedSignatures bool
	LongestMatch       bool
	FlowTableSize      int
	FlowPrefixBytes    int
	Routes             []protoid.Route
	Signatures         []protocols.Signature
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:          ":9090",
		MaxConnections:  protoid.DefaultConfig.MaxConnections,
		BufferSize:      protoid.DefaultConfig.BufferSize,
		PeekSize:        protoid.DefaultConfig.PeekSize,
		IdentifyTimeout: protoid.DefaultConfig.IdentifyTimeout,
		DialTimeout:     protoid.DefaultConfig.DialTimeout,
		FlowTableSize:   4096,
		FlowPrefixBytes: 32,
	}
}

type fileConfig struct {
	Listen             string            `toml:"listen"`
	MetricsListen      string            `toml:"metrics_listen"`
	MaxConnections     int               `toml:"max_connections"`
	BufferSize         int               `toml:"buffer_size"`
	PeekSize           int               `toml:"peek_size"`
	IdentifyTimeout    string            `toml:"identify_timeout"`
	DialTimeout        string            `toml:"dial_timeout"`
	ExtendedSignatures bool              `toml:"extended_signatures"`
	LongestMatch       bool              `toml:"longest_match"`
	FlowTableSize      int               `toml:"flow_table_size"`
	FlowPrefixBytes    int               `toml:"flow_prefix_bytes"`
	Routes             []routeConfig     `toml:"route"`
	Signatures         []signatureConfig `toml:"signature"`
}

type routeConfig struct {
	Application int    `toml:"application"`
	Target      string `toml:"target"`
}

type signatureConfig struct {
	Name        string `toml:"name"`
	Pattern     string `toml:"pattern"`
	Application int    `toml:"application"`
	Direction   string `toml:"direction"`
}

// Load reads a TOML file and overlays the keys it defines on Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return resolve(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("peek_size") {
		cfg.PeekSize = raw.PeekSize
	}
	if meta.IsDefined("identify_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdentifyTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse identify_timeout: %w", err)
		}
		cfg.IdentifyTimeout = d
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("extended_signatures") {
		cfg.ExtendedSignatures = raw.ExtendedSignatures
	}
	if meta.IsDefined("longest_match") {
		cfg.LongestMatch = raw.LongestMatch
	}
	if meta.IsDefined("flow_table_size") {
		cfg.FlowTableSize = raw.FlowTableSize
	}
	if meta.IsDefined("flow_prefix_bytes") {
		cfg.FlowPrefixBytes = raw.FlowPrefixBytes
	}

	for i, r := range raw.Routes {
		app, err := applicationID(r.Application)
		if err != nil {
			return Config{}, fmt.Errorf("route %d: %w", i, err)
		}
		target := strings.TrimSpace(r.Target)
		if target == "" {
			return Config{}, fmt.Errorf("route %d: target is required", i)
		}
		cfg.Routes = append(cfg.Routes, protoid.Route{Application: app, Target: target})
	}

	for i, s := range raw.Signatures {
		sig, err := s.signature()
		if err != nil {
			return Config{}, fmt.Errorf("signature %d: %w", i, err)
		}
		cfg.Signatures = append(cfg.Signatures, sig)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s signatureConfig) signature() (protocols.Signature, error) {
	app, err := applicationID(s.Application)
	if err != nil {
		return protocols.Signature{}, err
	}
	dir, err := protocols.ParseDirection(s.Direction)
	if err != nil {
		return protocols.Signature{}, err
	}
	pattern, err := protocols.ParsePattern(s.Pattern)
	if err != nil {
		return protocols.Signature{}, err
	}
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = protocols.ApplicationName(app)
	}
	sig := protocols.Signature{
		Name:      name,
		Pattern:   pattern,
		Inference: protocols.Inference{Direction: dir, Application: app},
	}
	return sig, sig.Validate()
}

func applicationID(v int) (uint16, error) {
	if v <= 0 || v > 0xffff {
		return 0, fmt.Errorf("application id %d out of range 1-65535", v)
	}
	return uint16(v), nil
}

// Validate checks value ranges that the defaults already satisfy.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if cfg.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if cfg.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer_size must be positive"))
	}
	if cfg.PeekSize <= 0 {
		errs = append(errs, errors.New("peek_size must be positive"))
	}
	if cfg.IdentifyTimeout <= 0 || cfg.DialTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if cfg.FlowTableSize <= 0 || cfg.FlowPrefixBytes <= 0 {
		errs = append(errs, errors.New("flow_table_size and flow_prefix_bytes must be positive"))
	}
	base := len(protocols.Builtin())
	if cfg.ExtendedSignatures {
		base = len(protocols.Extended())
	}
	if n := base + len(cfg.Signatures); n > protocols.MaxSignatures {
		errs = append(errs, fmt.Errorf("%d signatures exceed the registry capacity %d", n, protocols.MaxSignatures))
	}
	return errors.Join(errs...)
}

// IdentifierOptions translates the signature settings.
func (c Config) IdentifierOptions() []protoid.IdentifierOption {
	table := protocols.Builtin()
	if c.ExtendedSignatures {
		table = protocols.Extended()
	}
	return []protoid.IdentifierOption{
		protoid.WithSignatures(table...),
		protoid.WithExtraSignatures(c.Signatures...),
		protoid.WithLongestMatch(c.LongestMatch),
	}
}

// ManagerOptions translates the multiplexer settings.
func (c Config) ManagerOptions() []protoid.Option {
	return []protoid.Option{
		protoid.WithMaxConnections(c.MaxConnections),
		protoid.WithBufferSize(c.BufferSize),
		protoid.WithPeekSize(c.PeekSize),
		protoid.WithIdentifyTimeout(c.IdentifyTimeout),
		protoid.WithDialTimeout(c.DialTimeout),
	}
}
