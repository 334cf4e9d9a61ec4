// Package config loads and validates the maskwatch YAML configuration.
// The file is checked against an embedded JSON schema before any field
// is interpreted, so malformed configs fail before a connection attempt.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// DefaultHistory is the recent-observation ring size when `history`
// is not configured.
const DefaultHistory = 1000

// SASL holds SASL PLAIN credentials.
type SASL struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Oper holds operator credentials. A non-empty File switches the
// oper-up flow to challenge-response using the RSA key at that path.
type Oper struct {
	Name string `yaml:"name"`
	Pass string `yaml:"pass"`
	File string `yaml:"file"`
}

// Config is the full runtime configuration. It is read-only after Load.
type Config struct {
	Server   string `yaml:"server"`
	Nickname string `yaml:"nickname"`
	Username string `yaml:"username"`
	Realname string `yaml:"realname"`
	Password string `yaml:"password"`
	AntiIdle bool   `yaml:"antiidle"`
	Channel  string `yaml:"channel"`
	Verbose  string `yaml:"verbose"`
	History  int    `yaml:"history"`
	Database string `yaml:"database"`
	BanCmd   string `yaml:"bancmd"`

	SASL SASL `yaml:"sasl"`
	Oper Oper `yaml:"oper"`

	CliConnRE string `yaml:"cliconnre"`
	CliExitRE string `yaml:"cliexitre"`
	CliNickRE string `yaml:"clinickre"`

	// Derived fields, populated by Load.
	Host    string         `yaml:"-"`
	Port    int            `yaml:"-"`
	TLS     bool           `yaml:"-"`
	CliConn *regexp.Regexp `yaml:"-"`
	CliExit *regexp.Regexp `yaml:"-"`
	CliNick *regexp.Regexp `yaml:"-"`
}

// Load reads, validates, and compiles the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Username == "" {
		cfg.Username = cfg.Nickname
	}
	if cfg.Realname == "" {
		cfg.Realname = cfg.Nickname
	}
	if cfg.History == 0 {
		cfg.History = DefaultHistory
	}
	if cfg.Oper.File != "" {
		cfg.Oper.File = expandHome(cfg.Oper.File)
	}
	cfg.Database = expandHome(cfg.Database)

	cfg.Host, cfg.Port, cfg.TLS, err = parseServer(cfg.Server)
	if err != nil {
		return nil, err
	}

	if cfg.CliConn, err = compileLifecycle("cliconnre", cfg.CliConnRE, "nick", "user", "host", "real"); err != nil {
		return nil, err
	}
	if cfg.CliExit, err = compileLifecycle("cliexitre", cfg.CliExitRE, "nick"); err != nil {
		return nil, err
	}
	if cfg.CliNick, err = compileLifecycle("clinickre", cfg.CliNickRE, "old", "new"); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateSchema checks the raw YAML document against the embedded JSON
// schema. The YAML value round-trips through encoding/json so the
// validator sees canonical JSON types.
func validateSchema(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert config for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("convert config for validation: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// parseServer splits "host:port", where a `+` before the port requests
// TLS ("irc.example.net:+6697"). A bare host defaults to 6667 plaintext.
func parseServer(server string) (host string, port int, tls bool, err error) {
	host = server
	port = 6667

	idx := strings.LastIndexByte(server, ':')
	if idx < 0 {
		return host, port, false, nil
	}

	host = server[:idx]
	portStr := server[idx+1:]
	if strings.HasPrefix(portStr, "+") {
		tls = true
		portStr = portStr[1:]
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false, fmt.Errorf("invalid server %q: bad port %q", server, portStr)
	}
	if host == "" {
		return "", 0, false, fmt.Errorf("invalid server %q: empty host", server)
	}
	return host, port, tls, nil
}

// compileLifecycle compiles one of the lifecycle notification regexes
// and checks it captures the named groups the pipeline relies on.
func compileLifecycle(key, expr string, groups ...string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	have := make(map[string]bool)
	for _, name := range re.SubexpNames() {
		if name != "" {
			have[name] = true
		}
	}
	for _, group := range groups {
		if !have[group] {
			return nil, fmt.Errorf("%s: missing named group (?P<%s>...)", key, group)
		}
	}
	return re, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}
