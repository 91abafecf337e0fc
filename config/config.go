// Package config loads the server's configuration from a JSON file and/or
// CLI flags, with CLI always winning, using github.com/vimeo/dials's
// ez.JSONConfigEnvFlag helper to stack the sources. TD_USERNAME/TD_PASSWORD
// environment variables are layered on top as a credential-only fallback,
// since the ez shortcut's built-in environment source has no per-call
// prefix hook.
package config

import (
	"context"
	"fmt"
	"os"

	"github.com/vimeo/dials/ez"
	"github.com/vimeo/dials/sources/flag"
	"github.com/vimeo/dials/tagformat/caseconversion"
)

// Config holds every value the server needs at startup. Path is the only
// required field; everything else has a sane default or is simply left
// unset.
type Config struct {
	// ConfigFile names a JSON file (config.json) to load underneath CLI
	// flags and environment variables. Registered as a flag like every
	// other field so dials can see it before deciding whether to read a
	// file at all.
	ConfigFile string `dials:"config"`

	// Path is the directory served as the WebDAV root.
	Path string `dials:"path"`
	// Host the HTTP server binds to.
	Host string `dials:"host"`
	// Port the HTTP server listens on.
	Port int `dials:"port"`
	// Username and Password configure optional HTTP Basic auth. Both
	// empty means auth is disabled.
	Username string `dials:"username"`
	Password string `dials:"password"`
	// MetaTouch enables bumping a matched *.user.js file's sibling
	// *.meta.json mtime on SUBSCRIBE resolution.
	MetaTouch bool `dials:"meta-touch"`
	// Debug enables verbose logging.
	Debug bool `dials:"debug"`
	// OpenInEditor enables the EDITOR verb's redirect behavior.
	OpenInEditor bool `dials:"open-in-editor"`
	// NoAuthWarning suppresses the startup warning logged when the
	// server is reachable without credentials configured.
	NoAuthWarning bool `dials:"no-auth-warning"`
}

const (
	// DefaultHost is used when no host is configured.
	DefaultHost = "localhost"
	// DefaultPort is used when no port is configured.
	DefaultPort = 7000
)

// ConfigPath implements ez.ConfigWithConfigPath so JSONConfigEnvFlag knows
// which file to load, if any, once flags and environment variables have
// been stacked.
func (c *Config) ConfigPath() (string, bool) {
	if c.ConfigFile == "" {
		return "", false
	}
	return c.ConfigFile, true
}

// Load stacks CLI flags over environment variables over an optional
// --config/config.json file, then applies the TD_USERNAME/TD_PASSWORD
// credential fallback on top of all of it.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	flagCfg := &flag.NameConfig{
		FieldNameEncodeCasing: caseconversion.EncodeKebabCase,
		TagEncodeCasing:       caseconversion.EncodeKebabCase,
	}

	d, err := ez.JSONConfigEnvFlag[Config, *Config](ctx, cfg, ez.Params[Config]{
		FlagConfig: flagCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("config: failed to load configuration: %w", err)
	}

	loaded := d.View()
	applyCredentialFallback(loaded)

	if loaded.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return loaded, nil
}

// applyCredentialFallback fills Username/Password from TD_USERNAME/
// TD_PASSWORD when neither the config file nor CLI flags supplied them.
func applyCredentialFallback(cfg *Config) {
	if cfg.Username == "" {
		if v := os.Getenv("TD_USERNAME"); v != "" {
			cfg.Username = v
		}
	}
	if cfg.Password == "" {
		if v := os.Getenv("TD_PASSWORD"); v != "" {
			cfg.Password = v
		}
	}
}
