// Package config loads named WorkloadProfile templates from disk — YAML
// files describing everything a TestConfig needs except task_param — and
// watches a profile directory for changes so long-running servers can pick
// up edited profiles without a restart.
package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/99souls/loadgen/ramp"
	"github.com/99souls/loadgen/runner"
)

// RampSpec is the YAML-friendly encoding of a ramp.Strategy: a Type
// discriminator plus the union of fields every strategy variant needs.
type RampSpec struct {
	Type     string        `yaml:"type"`
	Start    int           `yaml:"start,omitempty"`
	Max      int           `yaml:"max,omitempty"`
	Step     int           `yaml:"step,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Ramp     time.Duration `yaml:"ramp_duration,omitempty"`
}

// Build constructs the ramp.Strategy this spec describes.
func (s RampSpec) Build() (ramp.Strategy, error) {
	switch strings.ToLower(s.Type) {
	case "constant":
		return ramp.NewConstant(s.Max), nil
	case "linear":
		return ramp.NewLinear(s.Start, s.Max, s.Ramp), nil
	case "step":
		return ramp.NewStep(s.Start, s.Step, s.Interval, s.Max), nil
	default:
		return nil, fmt.Errorf("config: unknown ramp type %q", s.Type)
	}
}

// WorkloadProfile is a named, reusable load test template. It mirrors
// runner.TestConfig minus TaskParam, which is supplied per-run by whatever
// invokes the profile (the REST surface's POST /api/tests, or a CLI flag).
type WorkloadProfile struct {
	Name string `yaml:"name"`

	TaskType              string        `yaml:"task_type"`
	TargetTPS             float64       `yaml:"target_tps,omitempty"`
	TargetTPSRampDuration time.Duration `yaml:"target_tps_ramp_duration,omitempty"`
	MaxConcurrency        int           `yaml:"max_concurrency"`
	StartingConcurrency   int           `yaml:"starting_concurrency"`
	Duration              time.Duration `yaml:"duration"`
	WarmupDuration        time.Duration `yaml:"warmup_duration,omitempty"`
	Ramp                  RampSpec      `yaml:"ramp"`

	// checksum is computed on load/save, not serialized; ProfileWatcher
	// uses it to tell a real edit from a touch that left content
	// unchanged.
	checksum string
}

// TestConfig builds a runner.TestConfig from this profile and the supplied
// taskParam. The result still needs Validate (runner.New calls it).
func (p WorkloadProfile) TestConfig(taskParam string) (runner.TestConfig, error) {
	strat, err := p.Ramp.Build()
	if err != nil {
		return runner.TestConfig{}, err
	}
	return runner.TestConfig{
		TaskType:              p.TaskType,
		TaskParam:             taskParam,
		TargetTPS:             p.TargetTPS,
		TargetTPSRampDuration: p.TargetTPSRampDuration,
		MaxConcurrency:        p.MaxConcurrency,
		StartingConcurrency:   p.StartingConcurrency,
		Duration:              p.Duration,
		WarmupDuration:        p.WarmupDuration,
		RampStrategy:          strat,
	}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// profilePath returns the on-disk path for a profile named name within dir.
func profilePath(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// LoadProfile reads and parses the profile named name from dir.
func LoadProfile(dir, name string) (WorkloadProfile, error) {
	path := profilePath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkloadProfile{}, fmt.Errorf("config: read profile %s: %w", name, err)
	}
	var p WorkloadProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return WorkloadProfile{}, fmt.Errorf("config: parse profile %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	p.checksum = checksum(data)
	return p, nil
}

// SaveProfile writes p to dir under its own name, creating dir if needed.
func SaveProfile(dir string, p WorkloadProfile) error {
	if p.Name == "" {
		return fmt.Errorf("config: profile name is required")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("config: marshal profile %s: %w", p.Name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create profile dir: %w", err)
	}
	return os.WriteFile(profilePath(dir, p.Name), data, 0o644)
}

// ListProfiles returns the names of every *.yaml profile in dir.
func ListProfiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read profile dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// Store caches loaded profiles in memory, refreshed either by explicit
// Reload or by a ProfileWatcher feeding Put on change events.
type Store struct {
	dir string

	mu       sync.RWMutex
	profiles map[string]WorkloadProfile
}

// NewStore creates an empty Store rooted at dir and loads every profile
// currently on disk.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, profiles: make(map[string]WorkloadProfile)}
	names, err := ListProfiles(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		p, err := LoadProfile(dir, name)
		if err != nil {
			return nil, err
		}
		s.profiles[name] = p
	}
	return s, nil
}

// Get returns the cached profile named name.
func (s *Store) Get(name string) (WorkloadProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	return p, ok
}

// Put inserts or replaces the cached profile for p.Name, without touching
// disk — used both by explicit updates and by ProfileWatcher on a detected
// file change.
func (s *Store) Put(p WorkloadProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Name] = p
}

// Delete removes name from the cache, e.g. after its file is removed.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, name)
}

// Names returns the cached profile names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

// Reload re-reads name from disk and updates the cache.
func (s *Store) Reload(name string) error {
	p, err := LoadProfile(s.dir, name)
	if err != nil {
		return err
	}
	s.Put(p)
	return nil
}
