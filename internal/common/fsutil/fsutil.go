// Package fsutil holds the path helpers used to locate configuration files.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigNames are the file names searched by FindConfig, in order.
var ConfigNames = []string{"config.yaml", "config.yml", "config.toml", "config.json"}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// FindConfig returns the first of ConfigNames present under
// <user config dir>/<app>, or "" when there is none.
func FindConfig(app string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range ConfigNames {
		p := filepath.Join(dir, app, name)
		if PathExists(p) {
			return p
		}
	}
	return ""
}
