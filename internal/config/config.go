// Package config builds the immutable Config value the rest of the engine
// consumes. Sourcing (file merge, flag parsing, defaults) lives here because
// *something* in the binary has to own it, but nothing downstream of Load
// ever re-reads a flag or a file — everything is resolved once.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, process-lifetime configuration. It is never
// mutated after Load returns; callers may share it by pointer across
// goroutines without a lock.
type Config struct {
	ListenHost string
	HTTPPort   int
	SOCKSPort  int // 0 disables the SOCKS listener
	AdminPort  int // 0 disables the admin API

	RequireClientAuth bool
	ClientAuthExpected string // pre-encoded "Basic <b64>", set iff RequireClientAuth

	UpstreamHost       string
	UpstreamPort       int
	UpstreamTLS        bool
	UpstreamAuthHeader string // pre-encoded "Basic <b64>", empty disables injection

	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	IdleTimeout         time.Duration
	BufferSize          int
	HeaderMaxBytes      int
	HTTPMaxInitialBytes int

	ServerName string

	PACEnabled bool
	PACPath    string
	PACHost    string
	PACFile    string

	LogLevel string

	AccessLogFile    string
	AccessLogConsole bool

	ShutdownGrace time.Duration
}

// fileDoc mirrors the on-disk YAML shape. Every field is a pointer so the
// merge step can tell "absent" apart from "explicitly zero".
type fileDoc struct {
	Listen struct {
		Host     *string `yaml:"host"`
		Port     *int    `yaml:"port"`
		Socks    *int    `yaml:"socks_port"`
		Username *string `yaml:"username"`
		Password *string `yaml:"password"`
	} `yaml:"listen"`
	Upstream struct {
		Host     *string `yaml:"host"`
		Port     *int    `yaml:"port"`
		TLS      *bool   `yaml:"tls"`
		Username *string `yaml:"username"`
		Password *string `yaml:"password"`
	} `yaml:"upstream"`
	Timeouts struct {
		ConnectMillis *int `yaml:"connectMillis"`
		ReadMillis    *int `yaml:"readMillis"`
		IdleMillis    *int `yaml:"idleMillis"`
	} `yaml:"timeouts"`
	Buffer struct {
		Size *int `yaml:"size"`
	} `yaml:"buffer"`
	Header struct {
		MaxBytes *int `yaml:"maxBytes"`
	} `yaml:"header"`
	HTTP struct {
		MaxInitialBytes *int `yaml:"maxInitialBytes"`
	} `yaml:"http"`
	PAC struct {
		Enabled *bool   `yaml:"enabled"`
		Path    *string `yaml:"path"`
		Host    *string `yaml:"host"`
		File    *string `yaml:"file"`
	} `yaml:"pac"`
	Server struct {
		Name *string `yaml:"name"`
	} `yaml:"server"`
	Log struct {
		Level *string `yaml:"level"`
	} `yaml:"log"`
	Access struct {
		LogFile    *string `yaml:"log_file"`
		LogConsole *bool   `yaml:"log_console"`
	} `yaml:"access"`
	Admin struct {
		Port *int `yaml:"port"`
	} `yaml:"admin"`
}

// Defaults returns compiled-in defaults, the lowest-precedence layer.
func Defaults() Config {
	return Config{
		ListenHost:          "0.0.0.0",
		HTTPPort:            8282,
		SOCKSPort:           8383,
		AdminPort:           0,
		UpstreamPort:        8080,
		ConnectTimeout:      10 * time.Second,
		ReadTimeout:         60 * time.Second,
		IdleTimeout:         120 * time.Second,
		BufferSize:          32 * 1024,
		HeaderMaxBytes:      16 * 1024,
		HTTPMaxInitialBytes: 16 * 1024,
		ServerName:          "tunnelgate",
		PACEnabled:          false,
		PACPath:             "/proxy.pac",
		LogLevel:            "info",
		ShutdownGrace:       5 * time.Second,
	}
}

// Overrides is the set of values a flag layer may supply. Pointers are nil
// for flags the user never set, so defaults/file values show through.
type Overrides struct {
	ListenHost *string
	HTTPPort   *int
	SOCKSPort  *int
	AdminPort  *int

	ClientUsername *string
	ClientPassword *string

	UpstreamHost       *string
	UpstreamPort       *int
	UpstreamTLS        *bool
	UpstreamUsername   *string
	UpstreamPassword   *string

	ConnectTimeout *time.Duration
	ReadTimeout    *time.Duration
	IdleTimeout    *time.Duration
	BufferSize     *int
	HeaderMaxBytes *int

	PACEnabled *bool
	PACPath    *string
	PACHost    *string
	PACFile    *string

	ServerName *string
	LogLevel   *string

	AccessLogFile    *string
	AccessLogConsole *bool
}

// Load builds the final Config from defaults, an optional YAML file at
// filePath (ignored if empty), and flag overrides, in that precedence
// order, then validates the result.
func Load(filePath string, ov Overrides) (Config, error) {
	cfg := Defaults()

	var clientUser, clientPass, upUser, upPass string

	if filePath != "" {
		doc, err := readFile(filePath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		applyFile(&cfg, &clientUser, &clientPass, &upUser, &upPass, doc)
	}

	applyOverrides(&cfg, &clientUser, &clientPass, &upUser, &upPass, ov)

	clientUser = strings.TrimSpace(clientUser)
	clientPass = strings.TrimSpace(clientPass)
	upUser = strings.TrimSpace(upUser)
	upPass = strings.TrimSpace(upPass)

	if clientUser != "" && clientPass != "" {
		cfg.RequireClientAuth = true
		cfg.ClientAuthExpected = basicAuth(clientUser, clientPass)
	}
	if upUser != "" && upPass != "" {
		cfg.UpstreamAuthHeader = basicAuth(upUser, upPass)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (*fileDoc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &doc, nil
}

func applyFile(cfg *Config, clientUser, clientPass, upUser, upPass *string, doc *fileDoc) {
	setStr(&cfg.ListenHost, doc.Listen.Host)
	setInt(&cfg.HTTPPort, doc.Listen.Port)
	setInt(&cfg.SOCKSPort, doc.Listen.Socks)
	setStr(clientUser, doc.Listen.Username)
	setStr(clientPass, doc.Listen.Password)

	setStr(&cfg.UpstreamHost, doc.Upstream.Host)
	setInt(&cfg.UpstreamPort, doc.Upstream.Port)
	setBool(&cfg.UpstreamTLS, doc.Upstream.TLS)
	setStr(upUser, doc.Upstream.Username)
	setStr(upPass, doc.Upstream.Password)

	if doc.Timeouts.ConnectMillis != nil {
		cfg.ConnectTimeout = time.Duration(*doc.Timeouts.ConnectMillis) * time.Millisecond
	}
	if doc.Timeouts.ReadMillis != nil {
		cfg.ReadTimeout = time.Duration(*doc.Timeouts.ReadMillis) * time.Millisecond
	}
	if doc.Timeouts.IdleMillis != nil {
		cfg.IdleTimeout = time.Duration(*doc.Timeouts.IdleMillis) * time.Millisecond
	}
	setInt(&cfg.BufferSize, doc.Buffer.Size)
	setInt(&cfg.HeaderMaxBytes, doc.Header.MaxBytes)
	setInt(&cfg.HTTPMaxInitialBytes, doc.HTTP.MaxInitialBytes)

	setBool(&cfg.PACEnabled, doc.PAC.Enabled)
	setStr(&cfg.PACPath, doc.PAC.Path)
	setStr(&cfg.PACHost, doc.PAC.Host)
	setStr(&cfg.PACFile, doc.PAC.File)

	setStr(&cfg.ServerName, doc.Server.Name)
	setStr(&cfg.LogLevel, doc.Log.Level)

	setStr(&cfg.AccessLogFile, doc.Access.LogFile)
	setBool(&cfg.AccessLogConsole, doc.Access.LogConsole)

	setInt(&cfg.AdminPort, doc.Admin.Port)
}

func applyOverrides(cfg *Config, clientUser, clientPass, upUser, upPass *string, ov Overrides) {
	if ov.ListenHost != nil {
		cfg.ListenHost = *ov.ListenHost
	}
	if ov.HTTPPort != nil {
		cfg.HTTPPort = *ov.HTTPPort
	}
	if ov.SOCKSPort != nil {
		cfg.SOCKSPort = *ov.SOCKSPort
	}
	if ov.AdminPort != nil {
		cfg.AdminPort = *ov.AdminPort
	}
	if ov.ClientUsername != nil {
		*clientUser = *ov.ClientUsername
	}
	if ov.ClientPassword != nil {
		*clientPass = *ov.ClientPassword
	}
	if ov.UpstreamHost != nil {
		cfg.UpstreamHost = *ov.UpstreamHost
	}
	if ov.UpstreamPort != nil {
		cfg.UpstreamPort = *ov.UpstreamPort
	}
	if ov.UpstreamTLS != nil {
		cfg.UpstreamTLS = *ov.UpstreamTLS
	}
	if ov.UpstreamUsername != nil {
		*upUser = *ov.UpstreamUsername
	}
	if ov.UpstreamPassword != nil {
		*upPass = *ov.UpstreamPassword
	}
	if ov.ConnectTimeout != nil {
		cfg.ConnectTimeout = *ov.ConnectTimeout
	}
	if ov.ReadTimeout != nil {
		cfg.ReadTimeout = *ov.ReadTimeout
	}
	if ov.IdleTimeout != nil {
		cfg.IdleTimeout = *ov.IdleTimeout
	}
	if ov.BufferSize != nil {
		cfg.BufferSize = *ov.BufferSize
	}
	if ov.HeaderMaxBytes != nil {
		cfg.HeaderMaxBytes = *ov.HeaderMaxBytes
	}
	if ov.PACEnabled != nil {
		cfg.PACEnabled = *ov.PACEnabled
	}
	if ov.PACPath != nil {
		cfg.PACPath = *ov.PACPath
	}
	if ov.PACHost != nil {
		cfg.PACHost = *ov.PACHost
	}
	if ov.PACFile != nil {
		cfg.PACFile = *ov.PACFile
	}
	if ov.ServerName != nil {
		cfg.ServerName = *ov.ServerName
	}
	if ov.LogLevel != nil {
		cfg.LogLevel = *ov.LogLevel
	}
	if ov.AccessLogFile != nil {
		cfg.AccessLogFile = *ov.AccessLogFile
	}
	if ov.AccessLogConsole != nil {
		cfg.AccessLogConsole = *ov.AccessLogConsole
	}
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// validate enforces the invariants from spec.md §3's Config entity.
func (c Config) validate() error {
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return ErrMissingUpstreamHost
	}
	if c.RequireClientAuth && c.ClientAuthExpected == "" {
		return fmt.Errorf("config: requireClientAuth set without client credentials")
	}
	if c.UpstreamPort <= 0 {
		return fmt.Errorf("config: upstream.port must be positive")
	}
	return nil
}

// ErrMissingUpstreamHost is returned by Load/validate and maps to exit code 2
// per spec.md §6.
var ErrMissingUpstreamHost = fmt.Errorf("config: upstream.host is required")
