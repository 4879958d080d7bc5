//go:build !windows

package config

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

var (
	DefaultConfigPath      = "/etc/vtconnector/config.yml"
	DefaultHistoryLocation = "/var/lib/vtconnector/history.db"
)

// GetConfigFile returns the user configuration file when it exists, the
// system one otherwise.
func GetConfigFile() (config string, err error) {
	home, err := homedir.Dir()
	if err != nil {
		return
	}
	cfg := filepath.Join(home, ".config", "vtconnector", "config.yml")
	if _, err := os.Stat(cfg); err == nil {
		return cfg, nil
	}
	config = DefaultConfigPath
	_, err = os.Stat(config)
	return
}
