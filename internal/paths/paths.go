// Package paths provides centralized path resolution for lessongen.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigBaseName is the config file name without extension.
const ConfigBaseName = "lessongen"

// ConfigExtensions lists the supported config formats, in lookup order.
var ConfigExtensions = []string{".json", ".toml", ".yaml", ".yml"}

// BaseDir returns the lessongen base directory (~/.lessongen).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lessongen"), nil
}

// DataPath returns a path within the lessongen data directory (~/.lessongen/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./lessongen.{json,toml,yaml,yml} > ~/.lessongen/lessongen.{...}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	for _, ext := range ConfigExtensions {
		local := ConfigBaseName + ext
		if _, err := os.Stat(local); err == nil {
			abs, err := filepath.Abs(local)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return abs, nil
		}
	}

	for _, ext := range ConfigExtensions {
		global, err := DataPath(ConfigBaseName + ext)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(global); err == nil {
			return global, nil
		}
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.lessongen/lessongen.json).
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigBaseName + ".json")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
