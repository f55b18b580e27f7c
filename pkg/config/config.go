// Package config loads jt settings from ~/.jtconfig, .env and JT_* variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in the user's home directory
const DefaultFileName = ".jtconfig"

// DefaultRetries is the number of retries after the first failed attempt
const DefaultRetries = 2

// Config holds the settings shared by all jt commands
type Config struct {
	JTHome     string `yaml:"jt_home"`
	JTAccount  string `yaml:"jt_account"`
	NodeID     string `yaml:"node_id"`
	NodeIP     string `yaml:"node_ip"`
	AMSServer  string `yaml:"ams_server"`
	WRSServer  string `yaml:"wrs_server"`
	JESSServer string `yaml:"jess_server"`
	Retries    int    `yaml:"retries"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	home, _ := os.UserHomeDir()
	host, _ := os.Hostname()

	return &Config{
		JTHome:   filepath.Join(home, "jthome"),
		NodeID:   host,
		NodeIP:   DetectNodeIP(),
		Retries:  DefaultRetries,
		LogLevel: "info",
	}
}

// DefaultPath returns ~/.jtconfig
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DefaultFileName)
}

// Load builds the configuration from defaults, the YAML file at path (when
// it exists), a .env file in the working directory and finally JT_*
// environment variables. Variables already set in the environment win over
// the .env file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.JTHome = expandHome(cfg.JTHome)
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for name, dst := range map[string]*string{
		"JT_HOME":        &c.JTHome,
		"JT_ACCOUNT":     &c.JTAccount,
		"JT_NODE_ID":     &c.NodeID,
		"JT_NODE_IP":     &c.NodeIP,
		"JT_AMS_SERVER":  &c.AMSServer,
		"JT_WRS_SERVER":  &c.WRSServer,
		"JT_JESS_SERVER": &c.JESSServer,
		"JT_LOG_LEVEL":   &c.LogLevel,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("JT_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid JT_RETRIES %q", v)
		}
		c.Retries = n
	}
	if v, ok := os.LookupEnv("JT_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid JT_LOG_JSON %q", v)
		}
		c.LogJSON = b
	}

	return nil
}

// Validate checks the fields every worker needs
func (c *Config) Validate() error {
	if c.JTHome == "" {
		return fmt.Errorf("jt_home is required")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	return nil
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the configuration as YAML to path
func (c *Config) Save(path string) error {
	data, err := c.Dump()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DetectNodeIP returns the first non-loopback IPv4 address of the host
func DetectNodeIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
