//go:build windows

package config

import (
	"os"
	"path/filepath"
)

var (
	DefaultConfigPath      = filepath.Join(os.Getenv("AppData"), "vtconnector", "config.yml")
	DefaultHistoryLocation = filepath.Join(os.Getenv("AppData"), "vtconnector", "history.db")
)

func GetConfigFile() (config string, err error) {
	config = DefaultConfigPath
	_, err = os.Stat(config)
	return
}
