package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TableEntry describes one immutable tier recorded in the manifest.
type TableEntry struct {
	Path     string `json:"path"`
	Entries  uint64 `json:"entries"`
	MinSeqno uint64 `json:"min_seqno"`
	MaxSeqno uint64 `json:"max_seqno"`
}

type ManifestEntry struct {
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	Config    *Config `json:"config"`
	// Tables lists the immutable tiers, newest first
	Tables []TableEntry `json:"tables,omitempty"`
}

// Manifest is an append-only history of configurations and tier lists. The last entry
// is current.
type Manifest struct {
	DBPath     string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// NewManifest creates a new manifest for the given database path
func NewManifest(dbPath string, config *Config) (*Manifest, error) {
	if config == nil {
		config = NewDefaultConfig(dbPath)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    config,
	}

	return &Manifest{
		DBPath:     dbPath,
		Entries:    []ManifestEntry{entry},
		Current:    &entry,
		LastUpdate: time.Now(),
	}, nil
}

// LoadManifest loads an existing manifest from the database directory
func LoadManifest(dbPath string) (*Manifest, error) {
	manifestPath := filepath.Join(dbPath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if current.Config == nil {
		return nil, fmt.Errorf("%w: current entry has no config", ErrInvalidManifest)
	}
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	return &Manifest{
		DBPath:     dbPath,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}, nil
}

// Save persists the manifest to disk
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeAtomic(filepath.Join(m.DBPath, DefaultManifestFileName), data); err != nil {
		return err
	}

	m.LastUpdate = time.Now()
	return nil
}

// UpdateConfig creates a new entry with a modified copy of the current configuration.
// The tier list carries over.
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newConfig, err := m.Current.Config.Clone()
	if err != nil {
		return err
	}
	fn(newConfig)
	if err := newConfig.Validate(); err != nil {
		return err
	}

	m.appendLocked(newConfig, m.Current.Tables)
	return nil
}

// SetTables creates a new entry recording tables as the tier list.
func (m *Manifest) SetTables(tables []TableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(m.Current.Config, tables)
}

func (m *Manifest) appendLocked(cfg *Config, tables []TableEntry) {
	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Config:    cfg,
		Tables:    append([]TableEntry(nil), tables...),
	}
	m.Entries = append(m.Entries, entry)
	m.Current = &m.Entries[len(m.Entries)-1]
}

// GetConfig returns the current configuration
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}

// GetTables returns a copy of the current tier list, newest first
func (m *Manifest) GetTables() []TableEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TableEntry(nil), m.Current.Tables...)
}
