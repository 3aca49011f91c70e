package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// HomeDir returns $HOME, falling back to the user database.
func HomeDir() (string, error) {
	h := os.Getenv("HOME")
	if h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return usr.HomeDir, nil
}

// ExpandHome replaces a leading "~" in path with the home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	h, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, strings.TrimPrefix(path, "~")), nil
}
