package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Host == nil || *cfg.Host != "localhost" {
		t.Errorf("Expected Host localhost, got %v", cfg.Host)
	}
	if cfg.OutputPort == nil || *cfg.OutputPort != 7000 {
		t.Errorf("Expected OutputPort 7000, got %v", cfg.OutputPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestGettersFallBack(t *testing.T) {
	cfg := &RuntimeConfig{}
	snap := cfg.Resolve(3)
	want := Snapshot{
		Version:       3,
		Host:          DefaultHost,
		OutputPort:    DefaultOutputPort,
		InputPort:     DefaultInputPort,
		KeyingEnabled: DefaultKeying,
		JSONGrouped:   DefaultJSONGrouped,
		FrameRate:     DefaultFrameRate,
		KeyingWorkers: DefaultKeyingWorkers,
		StatusAddress: DefaultStatusAddress,
		RecordBodies:  DefaultRecordBodies,
	}
	if snap != want {
		t.Errorf("Resolve() = %+v, want %+v", snap, want)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kv2.json")
	testJSON := `{
  "host": "10.0.0.5",
  "output_port": 9000,
  "json_grouped": false
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GetHost() != "10.0.0.5" {
		t.Errorf("GetHost() = %q", cfg.GetHost())
	}
	if cfg.GetOutputPort() != 9000 {
		t.Errorf("GetOutputPort() = %d", cfg.GetOutputPort())
	}
	if cfg.GetJSONGrouped() {
		t.Error("GetJSONGrouped() = true, want false")
	}
	// Omitted fields keep defaults.
	if cfg.GetInputPort() != DefaultInputPort {
		t.Errorf("GetInputPort() = %d", cfg.GetInputPort())
	}
	if !cfg.GetKeyingEnabled() {
		t.Error("GetKeyingEnabled() = false, want default true")
	}
}

func TestLoad_DefaultsFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	if got, want := cfg.Resolve(1), Default().Resolve(1); got != want {
		t.Errorf("defaults file %+v differs from Default() %+v", got, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"invalid port", write("port.json", `{"output_port": 70000}`), "output_port"},
		{"too large", write("big.json", "{\"host\":\""+strings.Repeat("a", 1<<20)+"\"}"), "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load(%s) error = %v, want containing %q", tt.name, err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  RuntimeConfig
		ok   bool
	}{
		{"empty", RuntimeConfig{}, true},
		{"blank host", RuntimeConfig{Host: ptrString("  ")}, false},
		{"zero input port", RuntimeConfig{InputPort: ptrInt(0)}, false},
		{"frame rate", RuntimeConfig{FrameRate: ptrInt(0)}, false},
		{"workers", RuntimeConfig{KeyingWorkers: ptrInt(65)}, false},
		{"status address", RuntimeConfig{StatusAddress: ptrString("kv2status")}, false},
		{"good", RuntimeConfig{FrameRate: ptrInt(30), KeyingWorkers: ptrInt(4)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	merged := base.Merge(&RuntimeConfig{Host: ptrString("studio"), KeyingEnabled: ptrBool(false)})
	if merged.GetHost() != "studio" || merged.GetKeyingEnabled() {
		t.Errorf("merge did not apply: %+v", merged.Resolve(0))
	}
	if base.GetHost() != "localhost" {
		t.Error("Merge mutated the receiver")
	}
	*merged.OutputPort = 1
	if base.GetOutputPort() != DefaultOutputPort {
		t.Error("Merge result shares pointers with the receiver")
	}
}

func TestStore(t *testing.T) {
	s, err := NewStore(nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Version() != 1 {
		t.Errorf("Version() = %d, want 1", s.Version())
	}

	snap, err := s.Update(&RuntimeConfig{OutputPort: ptrInt(7400)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.OutputPort != 7400 || snap.Version != 2 {
		t.Errorf("Update() = %+v", snap)
	}
	if s.Snapshot() != snap {
		t.Error("Snapshot() does not reflect update")
	}

	if _, err := s.Update(&RuntimeConfig{FrameRate: ptrInt(-1)}); err == nil {
		t.Error("expected invalid patch to be rejected")
	}
	if s.Version() != 2 {
		t.Errorf("rejected update bumped version to %d", s.Version())
	}

	if _, err := NewStore(&RuntimeConfig{InputPort: ptrInt(-5)}); err == nil {
		t.Error("expected invalid initial config to be rejected")
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s, err := NewStore(Default())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Update(&RuntimeConfig{FrameRate: ptrInt(10 + i)}); err != nil {
				t.Error(err)
			}
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()
	if s.Version() != 21 {
		t.Errorf("Version() = %d, want 21", s.Version())
	}
}

func TestSameDestination(t *testing.T) {
	a := Default().Resolve(1)
	b := a
	b.KeyingEnabled = false
	if !a.SameDestination(b) {
		t.Error("toggle change should not count as destination change")
	}
	b.OutputPort = 7001
	if a.SameDestination(b) {
		t.Error("port change should count as destination change")
	}
}
