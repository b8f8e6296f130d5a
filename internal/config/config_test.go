package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const jsonConfig = `{
  "queue": {"maxConcurrent": 2},
  "providers": [
    {"name": "groq", "type": "groq", "apiKeys": ["k1", "k2", "k1"],
     "models": [{"id": "llama-3.3-70b-versatile", "priority": 1, "rpm": 30, "rpd": 1000}]},
    {"name": "local", "type": "ollama", "models": [{"id": "llama3.1:8b"}]}
  ]
}`

const tomlConfig = `
[queue]
maxConcurrent = 4

[[providers]]
name = "cerebras"
type = "cerebras"
apiKeys = ["c1"]

  [[providers.models]]
  id = "llama-3.3-70b"
  priority = 1
  rpm = 30
`

const yamlConfig = `
logging:
  level: debug
providers:
  - name: together
    type: together
    apiKeys: [t1]
    models:
      - id: meta-llama/Llama-3.3-70B-Instruct-Turbo
        rpd: 500
`

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name          string
		ext           string
		data          string
		wantProviders int
		wantMax       int
	}{
		{"json", ".json", jsonConfig, 2, 2},
		{"toml", ".toml", tomlConfig, 1, 4},
		{"yaml", ".yaml", yamlConfig, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.data), tt.ext)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(cfg.Providers) != tt.wantProviders {
				t.Errorf("providers: got %d, want %d", len(cfg.Providers), tt.wantProviders)
			}
			if cfg.Queue.MaxConcurrent != tt.wantMax {
				t.Errorf("maxConcurrent: got %d, want %d", cfg.Queue.MaxConcurrent, tt.wantMax)
			}
			if cfg.Queue.TaskTimeoutSeconds != 280 {
				t.Errorf("default task timeout not merged: got %d", cfg.Queue.TaskTimeoutSeconds)
			}
			if cfg.Providers[0].TimeoutSeconds != 120 {
				t.Errorf("provider default timeout not merged: got %d", cfg.Providers[0].TimeoutSeconds)
			}
		})
	}
}

func TestParseDedupesKeys(t *testing.T) {
	cfg, err := Parse([]byte(jsonConfig), ".json")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	keys := cfg.Providers[0].APIKeys
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Errorf("keys: got %v, want [k1 k2]", keys)
	}
}

func TestEnvKeysAndOverrides(t *testing.T) {
	t.Setenv("CEREBRAS_API_KEYS", "c2, c3 ,,c1")
	t.Setenv(EnvMaxConcurrent, "7")
	t.Setenv(EnvTaskTimeout, "90")

	cfg, err := Parse([]byte(tomlConfig), ".toml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	keys := cfg.Providers[0].APIKeys
	want := []string{"c1", "c2", "c3"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys: got %v, want %v", keys, want)
	}
	if cfg.Queue.MaxConcurrent != 7 {
		t.Errorf("maxConcurrent override: got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.TaskTimeout().Seconds() != 90 {
		t.Errorf("task timeout override: got %v", cfg.Queue.TaskTimeout())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			"no providers",
			`{"providers": []}`,
			"Providers",
		},
		{
			"unknown type",
			`{"providers": [{"name": "x", "type": "mystery", "apiKeys": ["k"], "models": [{"id": "m"}]}]}`,
			"unknown type",
		},
		{
			"missing keys",
			`{"providers": [{"name": "nokeys", "type": "groq", "models": [{"id": "m"}]}]}`,
			"NOKEYS_API_KEYS",
		},
		{
			"duplicate names",
			`{"providers": [
				{"name": "a", "type": "ollama", "models": [{"id": "m"}]},
				{"name": "a", "type": "ollama", "models": [{"id": "m"}]}]}`,
			"duplicate provider",
		},
		{
			"no models",
			`{"providers": [{"name": "a", "type": "ollama", "models": []}]}`,
			"Models",
		},
		{
			"all disabled",
			`{"providers": [{"name": "a", "type": "ollama", "disabled": true, "models": [{"id": "m"}]}]}`,
			"disabled",
		},
		{
			"bad max concurrent",
			`{"queue": {"maxConcurrent": -1}, "providers": [{"name": "a", "type": "ollama", "models": [{"id": "m"}]}]}`,
			"MaxConcurrent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), ".json")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestDefaultKeysEnv(t *testing.T) {
	tests := map[string]string{
		"groq":        "GROQ_API_KEYS",
		"open-router": "OPEN_ROUTER_API_KEYS",
		"gemini.free": "GEMINI_FREE_API_KEYS",
	}
	for in, want := range tests {
		if got := DefaultKeysEnv(in); got != want {
			t.Errorf("DefaultKeysEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	t.Setenv("GROQ_API_KEYS", "g1")
	t.Setenv("CEREBRAS_API_KEYS", "c1")

	for _, ext := range []string{".json", ".toml", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lessongen"+ext)

			if err := WriteFile(path, Example(), 0); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(cfg.Providers) != 3 {
				t.Errorf("providers: got %d, want 3", len(cfg.Providers))
			}
			if cfg.Providers[0].Models[0].RPM != 30 {
				t.Errorf("model rpm lost: %+v", cfg.Providers[0].Models[0])
			}
			if cfg.Queue.ContentTypes["lesson_plan"].AvgSeconds != 90 {
				t.Errorf("content types lost: %+v", cfg.Queue.ContentTypes)
			}
		})
	}
}

func TestWriteFileRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessongen.json")

	for i := 0; i < 4; i++ {
		cfg := Example()
		cfg.Queue.MaxConcurrent = i + 1
		if err := WriteFile(path, cfg, 3); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for _, name := range []string{path + ".bak", path + ".bak.1", path + ".bak.2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected backup %s: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".bak.3"); !os.IsNotExist(err) {
		t.Errorf("backup beyond limit should not exist")
	}

	data, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !strings.Contains(string(data), `"maxConcurrent": 3`) {
		t.Errorf("newest backup should hold the previous version")
	}
}

func TestLogConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", MaxBackups: 9}.LogConfig()
	if lc.MaxBackups != 9 || lc.MaxSizeMB != 50 {
		t.Errorf("unexpected log config: %+v", lc)
	}
}
