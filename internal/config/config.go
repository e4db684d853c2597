// Package config loads the proxy's runtime configuration, grounded on
// yndnr-tokmesh-go's confloader.Loader: koanf with flag > env > file >
// default priority, the same layering and the same env-var transform
// (PREFIX_SECTION_KEY -> section.key).
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix every proxy setting is read
// under, e.g. CERBERUS_LISTEN_PORT.
const EnvPrefix = "CERBERUS_"

// Config holds everything SPEC_FULL §3's [AMBIENT] Config entry names.
type Config struct {
	ListenPort   int    `koanf:"listen.port"`
	UpstreamAddr string `koanf:"upstream.addr"`
	LogLevel     string `koanf:"log.level"`
	MetricsAddr  string `koanf:"metrics.addr"`
}

// defaults matches spec.md §6's documented default upstream address and
// gives every other field a sane out-of-the-box value.
func defaults() Config {
	return Config{
		ListenPort:   6380,
		UpstreamAddr: "127.0.0.1:6379",
		LogLevel:     "info",
		MetricsAddr:  "127.0.0.1:9121",
	}
}

// Flags carries values already parsed off the command line (the highest
// priority source); zero values mean "not set on the command line" and are
// left for env/file/default to fill in.
type Flags struct {
	ListenPort   int
	UpstreamAddr string
	LogLevel     string
	MetricsAddr  string
	ConfigFile   string
}

// Load layers configuration sources in ascending priority — default, file,
// env — then applies Flags on top, matching confloader.Loader.Load's
// "later sources override earlier" contract (CLI flags are layered outside
// koanf here because urfave/cli, not koanf, owns flag parsing; see
// cmd/redis-cerberus/main.go).
func Load(flags Flags) (Config, error) {
	cfg := defaults()

	k := koanf.New(".")
	defaultMap := map[string]interface{}{
		"listen.port":   cfg.ListenPort,
		"upstream.addr": cfg.UpstreamAddr,
		"log.level":     cfg.LogLevel,
		"metrics.addr":  cfg.MetricsAddr,
	}
	if err := k.Load(confmap.Provider(defaultMap, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}

	if flags.ConfigFile != "" {
		if err := k.Load(file.Provider(flags.ConfigFile), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: loading file %s: %w", flags.ConfigFile, err)
		}
	}

	envTransform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "_", ".")
		return s
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading env: %w", err)
	}

	var out Config
	if err := k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if flags.ListenPort != 0 {
		out.ListenPort = flags.ListenPort
	}
	if flags.UpstreamAddr != "" {
		out.UpstreamAddr = flags.UpstreamAddr
	}
	if flags.LogLevel != "" {
		out.LogLevel = flags.LogLevel
	}
	if flags.MetricsAddr != "" {
		out.MetricsAddr = flags.MetricsAddr
	}

	return out, nil
}
