package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/lessongen/internal/logging"
)

// DefaultBackupCount is how many previous config versions WriteFile keeps.
const DefaultBackupCount = 5

// Example returns a starter configuration with a three-provider chain.
// Keys are read from the environment (GROQ_API_KEYS etc.).
func Example() *Config {
	cfg := Defaults()
	cfg.Logging.File = "~/.lessongen/lessongen.log"
	cfg.Metrics = MetricsConfig{Persist: true}
	cfg.Providers = []ProviderConfig{
		{
			Name:           "groq",
			Type:           "groq",
			TimeoutSeconds: 60,
			Models: []ModelConfig{
				{ID: "llama-3.3-70b-versatile", Priority: 1, RPM: 30, RPD: 1000, ContextTokens: 131072},
				{ID: "llama-3.1-8b-instant", Priority: 2, RPM: 30, RPD: 14400, ContextTokens: 131072},
			},
		},
		{
			Name:           "cerebras",
			Type:           "cerebras",
			TimeoutSeconds: 60,
			Models: []ModelConfig{
				{ID: "llama-3.3-70b", Priority: 1, RPM: 30, RPD: 14400, ContextTokens: 65536},
			},
		},
		{
			Name:           "ollama",
			Type:           "ollama",
			BaseURL:        "http://localhost:11434",
			TimeoutSeconds: 240,
			Models: []ModelConfig{
				{ID: "llama3.1:8b", Priority: 1},
			},
		},
	}
	return cfg
}

// Encode serializes cfg in the format named by ext.
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json", "":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

// WriteFile encodes cfg according to path's extension, backs up any
// existing file and writes atomically.
func WriteFile(path string, cfg *Config, maxBackups int) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}
	if _, err := os.Stat(path); err == nil {
		RotateBackups(path, maxBackups)
		if err := copyFile(path, path+".bak"); err != nil {
			logging.L_warn("config: backup failed, continuing with save", "error", err)
		} else {
			logging.L_debug("config: created backup", "path", path+".bak")
		}
	}

	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	logging.L_info("config: written", "path", path)
	return nil
}

// AtomicWrite writes data to path via a temp file in the same directory and a rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lessongen-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp to target: %w", err)
	}
	committed = true
	return nil
}

// RotateBackups shifts .bak -> .bak.1 -> ... and drops the oldest beyond maxBackups.
func RotateBackups(path string, maxBackups int) {
	if maxBackups <= 1 {
		return
	}
	base := path + ".bak"
	last := maxBackups - 1

	oldest := fmt.Sprintf("%s.%d", base, last)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: failed to remove oldest backup", "path", oldest, "error", err)
	}

	for i := last - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", base, i)
		dst := fmt.Sprintf("%s.%d", base, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			logging.L_trace("config: failed to rotate backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(base, base+".1"); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: failed to rotate .bak to .bak.1", "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
