// Package config loads server and client configuration: struct
// defaults layered under an optional YAML file via koanf. CLI flags are applied on top by the
// caller after Load returns (spec §6.3's flags take final precedence).
package config

import (
	"log"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// ServerConfig is the server process's configuration (spec §6.3).
type ServerConfig struct {
	Port         int    `koanf:"port"`
	MaxClients   int    `koanf:"max_clients"`
	MaxDevices   int    `koanf:"max_devices"`
	URBTimeoutMS int    `koanf:"urb_timeout_ms"`
	AdminAddr    string `koanf:"admin_addr"`
}

// DefaultServerConfig matches spec §6.3's documented defaults, plus the
// ambient additions this build carries (admin API address, per-URB
// timeout, device-table size).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         7575,
		MaxClients:   32,
		MaxDevices:   128,
		URBTimeoutMS: 5000,
		AdminAddr:    "127.0.0.1:7576",
	}
}

// ClientConfig is the client process's configuration (spec §6.3).
type ClientConfig struct {
	Server string `koanf:"server"`
	Port   int    `koanf:"port"`
	Name   string `koanf:"name"`
}

// DefaultClientConfig matches spec §6.3's documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server: "127.0.0.1",
		Port:   7575,
		Name:   "uoip-client",
	}
}

// LoadServerConfig layers an optional YAML file at path over the
// compiled-in defaults. A missing file is not an error.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return cfg, err
	}
	if err := loadFileIfPresent(k, path); err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClientConfig layers an optional YAML file at path over the
// compiled-in defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return cfg, err
	}
	if err := loadFileIfPresent(k, path); err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFileIfPresent(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if strings.Contains(err.Error(), "no such file") {
			log.Printf("config: %s not found, using defaults", path)
			return nil
		}
		return err
	}
	return nil
}
