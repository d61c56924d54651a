package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultConfigPath is the canonical defaults file shipped with the repo.
const DefaultConfigPath = "config/kv2share.defaults.json"

// Defaults for every runtime field. They mirror config/kv2share.defaults.json.
const (
	DefaultHost          = "localhost"
	DefaultOutputPort    = 7000
	DefaultInputPort     = 4321
	DefaultKeying        = true
	DefaultJSONGrouped   = true
	DefaultFrameRate     = 20
	DefaultKeyingWorkers = 1
	DefaultStatusAddress = "/kv2status/"
	DefaultRecordBodies  = false
)

// RuntimeConfig is the user-tunable surface of the fusion loop. The schema
// matches /api/config so the same JSON serves as a startup file and as a
// runtime patch. Nil fields fall back to the defaults above.
type RuntimeConfig struct {
	// Outbound OSC destination and inbound control port.
	Host       *string `json:"host,omitempty"`
	OutputPort *int    `json:"output_port,omitempty"`
	InputPort  *int    `json:"input_port,omitempty"`

	// Sub-pipeline toggles.
	KeyingEnabled *bool `json:"keying_enabled,omitempty"`
	JSONGrouped   *bool `json:"json_grouped,omitempty"`

	FrameRate     *int    `json:"frame_rate,omitempty"`
	KeyingWorkers *int    `json:"keying_workers,omitempty"`
	StatusAddress *string `json:"status_address,omitempty"`
	RecordBodies  *bool   `json:"record_bodies,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Default returns a config with every field set.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Host:          ptrString(DefaultHost),
		OutputPort:    ptrInt(DefaultOutputPort),
		InputPort:     ptrInt(DefaultInputPort),
		KeyingEnabled: ptrBool(DefaultKeying),
		JSONGrouped:   ptrBool(DefaultJSONGrouped),
		FrameRate:     ptrInt(DefaultFrameRate),
		KeyingWorkers: ptrInt(DefaultKeyingWorkers),
		StatusAddress: ptrString(DefaultStatusAddress),
		RecordBodies:  ptrBool(DefaultRecordBodies),
	}
}

// Load reads a RuntimeConfig from a JSON file. Omitted fields keep their
// defaults, so partial files are fine.
func Load(path string) (*RuntimeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RuntimeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate checks the fields that are set.
func (c *RuntimeConfig) Validate() error {
	if c.Host != nil && strings.TrimSpace(*c.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.OutputPort != nil && !validPort(*c.OutputPort) {
		return fmt.Errorf("output_port must be in 1..65535, got %d", *c.OutputPort)
	}
	if c.InputPort != nil && !validPort(*c.InputPort) {
		return fmt.Errorf("input_port must be in 1..65535, got %d", *c.InputPort)
	}
	if c.FrameRate != nil && (*c.FrameRate < 1 || *c.FrameRate > 120) {
		return fmt.Errorf("frame_rate must be in 1..120, got %d", *c.FrameRate)
	}
	if c.KeyingWorkers != nil && (*c.KeyingWorkers < 1 || *c.KeyingWorkers > 64) {
		return fmt.Errorf("keying_workers must be in 1..64, got %d", *c.KeyingWorkers)
	}
	if c.StatusAddress != nil && !strings.HasPrefix(*c.StatusAddress, "/") {
		return fmt.Errorf("status_address must start with '/', got %q", *c.StatusAddress)
	}
	return nil
}

// Merge returns a copy of c with every non-nil field of patch applied.
func (c *RuntimeConfig) Merge(patch *RuntimeConfig) *RuntimeConfig {
	out := *c
	if patch == nil {
		return &out
	}
	if patch.Host != nil {
		out.Host = ptrString(*patch.Host)
	}
	if patch.OutputPort != nil {
		out.OutputPort = ptrInt(*patch.OutputPort)
	}
	if patch.InputPort != nil {
		out.InputPort = ptrInt(*patch.InputPort)
	}
	if patch.KeyingEnabled != nil {
		out.KeyingEnabled = ptrBool(*patch.KeyingEnabled)
	}
	if patch.JSONGrouped != nil {
		out.JSONGrouped = ptrBool(*patch.JSONGrouped)
	}
	if patch.FrameRate != nil {
		out.FrameRate = ptrInt(*patch.FrameRate)
	}
	if patch.KeyingWorkers != nil {
		out.KeyingWorkers = ptrInt(*patch.KeyingWorkers)
	}
	if patch.StatusAddress != nil {
		out.StatusAddress = ptrString(*patch.StatusAddress)
	}
	if patch.RecordBodies != nil {
		out.RecordBodies = ptrBool(*patch.RecordBodies)
	}
	return &out
}

// GetHost returns the outbound host or the default.
func (c *RuntimeConfig) GetHost() string {
	if c.Host == nil {
		return DefaultHost
	}
	return *c.Host
}

// GetOutputPort returns the outbound port or the default.
func (c *RuntimeConfig) GetOutputPort() int {
	if c.OutputPort == nil {
		return DefaultOutputPort
	}
	return *c.OutputPort
}

// GetInputPort returns the control listening port or the default.
func (c *RuntimeConfig) GetInputPort() int {
	if c.InputPort == nil {
		return DefaultInputPort
	}
	return *c.InputPort
}

// GetKeyingEnabled returns whether registration and keying run.
func (c *RuntimeConfig) GetKeyingEnabled() bool {
	if c.KeyingEnabled == nil {
		return DefaultKeying
	}
	return *c.KeyingEnabled
}

// GetJSONGrouped returns true for the nested document encoding.
func (c *RuntimeConfig) GetJSONGrouped() bool {
	if c.JSONGrouped == nil {
		return DefaultJSONGrouped
	}
	return *c.JSONGrouped
}

// GetFrameRate returns the tick rate or the default.
func (c *RuntimeConfig) GetFrameRate() int {
	if c.FrameRate == nil {
		return DefaultFrameRate
	}
	return *c.FrameRate
}

// GetKeyingWorkers returns the keying parallelism or the default.
func (c *RuntimeConfig) GetKeyingWorkers() int {
	if c.KeyingWorkers == nil {
		return DefaultKeyingWorkers
	}
	return *c.KeyingWorkers
}

// GetStatusAddress returns the status OSC address or the default.
func (c *RuntimeConfig) GetStatusAddress() string {
	if c.StatusAddress == nil {
		return DefaultStatusAddress
	}
	return *c.StatusAddress
}

// GetRecordBodies returns whether ticks are written to the recording store.
func (c *RuntimeConfig) GetRecordBodies() bool {
	if c.RecordBodies == nil {
		return DefaultRecordBodies
	}
	return *c.RecordBodies
}

// Snapshot is a resolved, immutable view of the configuration taken once
// per tick.
type Snapshot struct {
	Version       uint64 `json:"version"`
	Host          string `json:"host"`
	OutputPort    int    `json:"output_port"`
	InputPort     int    `json:"input_port"`
	KeyingEnabled bool   `json:"keying_enabled"`
	JSONGrouped   bool   `json:"json_grouped"`
	FrameRate     int    `json:"frame_rate"`
	KeyingWorkers int    `json:"keying_workers"`
	StatusAddress string `json:"status_address"`
	RecordBodies  bool   `json:"record_bodies"`
}

// Resolve flattens c into a Snapshot.
func (c *RuntimeConfig) Resolve(version uint64) Snapshot {
	return Snapshot{
		Version:       version,
		Host:          c.GetHost(),
		OutputPort:    c.GetOutputPort(),
		InputPort:     c.GetInputPort(),
		KeyingEnabled: c.GetKeyingEnabled(),
		JSONGrouped:   c.GetJSONGrouped(),
		FrameRate:     c.GetFrameRate(),
		KeyingWorkers: c.GetKeyingWorkers(),
		StatusAddress: c.GetStatusAddress(),
		RecordBodies:  c.GetRecordBodies(),
	}
}

// SameDestination reports whether s and o publish to the same place.
func (s Snapshot) SameDestination(o Snapshot) bool {
	return s.Host == o.Host && s.OutputPort == o.OutputPort
}

// Store holds the live configuration. Readers take a Snapshot without
// locking; writers serialise through Update.
type Store struct {
	mu   sync.Mutex // serialises writers
	cfg  *RuntimeConfig
	snap atomic.Pointer[Snapshot]
}

// NewStore validates initial and returns a store at version 1.
func NewStore(initial *RuntimeConfig) (*Store, error) {
	if initial == nil {
		initial = Default()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{cfg: initial.Merge(nil)}
	snap := s.cfg.Resolve(1)
	s.snap.Store(&snap)
	return s, nil
}

// Snapshot returns the current configuration.
func (s *Store) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Version returns the current version. It increases on every accepted
// Update.
func (s *Store) Version() uint64 {
	return s.snap.Load().Version
}

// Update merges patch into the current configuration. An invalid result is
// rejected and the store keeps its previous state.
func (s *Store) Update(patch *RuntimeConfig) (Snapshot, error) {
	if patch == nil {
		return s.Snapshot(), nil
	}
	if err := patch.Validate(); err != nil {
		return s.Snapshot(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Merge(patch)
	if err := next.Validate(); err != nil {
		return s.Snapshot(), err
	}
	s.cfg = next
	snap := next.Resolve(s.snap.Load().Version + 1)
	s.snap.Store(&snap)
	return snap, nil
}
