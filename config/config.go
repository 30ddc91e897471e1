package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "firechat"
	// ConfigFileName is the persisted configuration file.
	ConfigFileName = "firechat.toml"

	// Transport kinds.
	TransportChain  = "chain"
	TransportRelay  = "relay"
	TransportMemory = "memory"
)

// Config holds all node settings.
type Config struct {
	Identity struct {
		// Address is the local wallet address the node sends as.
		Address string `koanf:"address"`
	} `koanf:"identity"`

	Transport struct {
		// Kind selects the backend: chain, relay or memory.
		Kind          string `koanf:"kind"`
		ChainEndpoint string `koanf:"chain_endpoint"`
		ChainContract string `koanf:"chain_contract"`
		RelayURL      string `koanf:"relay_url"`
		RelayToken    string `koanf:"relay_token"`
	} `koanf:"transport"`

	Registry struct {
		Endpoint string `koanf:"endpoint"`
	} `koanf:"registry"`

	PriceFeed struct {
		Endpoint string   `koanf:"endpoint"`
		Pairs    []string `koanf:"pairs"`
	} `koanf:"pricefeed"`

	Gateway struct {
		Bind string `koanf:"bind"`
	} `koanf:"gateway"`

	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FIRECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FIRECHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// Path returns the full path to the config file for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, ConfigFileName)
}

// Load layers defaults, the TOML config file (if present), and FIRECHAT_*
// environment variables into a Config.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	_ = k.Load(confmap.Provider(map[string]interface{}{
		"transport.kind": TransportMemory,
		"gateway.bind":   "127.0.0.1:8480",
		"log.level":      "info",
	}, "."), nil)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config %q: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %q: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("FIRECHAT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "FIRECHAT_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Init writes a commented sample config file. Fails if one already exists.
func Init(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	sample := `# firechat configuration

[identity]
address = "0x0000000000000000000000000000000000000000"

[transport]
# kind selects the message backend: "chain", "relay" or "memory"
kind = "memory"
chain_endpoint = "http://127.0.0.1:8545"
chain_contract = "0x0000000000000000000000000000000000000000"
relay_url = "wss://relay.example.com/ws"

[registry]
endpoint = "http://127.0.0.1:8580"

[pricefeed]
endpoint = "http://127.0.0.1:8680"

[gateway]
bind = "127.0.0.1:8480"

[log]
level = "info"
`

	return os.WriteFile(configPath, []byte(sample), 0o600)
}

// Validate checks settings needed to open a session.
func Validate(cfg *Config) error {
	if cfg.Identity.Address == "" {
		return errors.New("identity.address is required")
	}

	switch cfg.Transport.Kind {
	case TransportChain:
		if cfg.Transport.ChainEndpoint == "" {
			return errors.New("transport.chain_endpoint is required for the chain transport")
		}
		if cfg.Transport.ChainContract == "" {
			return errors.New("transport.chain_contract is required for the chain transport")
		}
	case TransportRelay:
		if cfg.Transport.RelayURL == "" {
			return errors.New("transport.relay_url is required for the relay transport")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}

	if cfg.Gateway.Bind == "" {
		return errors.New("gateway.bind is required")
	}

	return nil
}
