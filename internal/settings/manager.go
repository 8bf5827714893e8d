// Package settings resolves the effective plugin configuration from the
// global scope, the character scope and the active preset.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrPresetNotFound is returned when a named preset does not exist.
var ErrPresetNotFound = errors.New("preset not found")

// ErrUnknownKey is returned by SaveSetting for keys that are not settings.
var ErrUnknownKey = errors.New("unknown setting")

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store. Empty values mean "not set".
type Store interface {
	GetGlobalSettings() (string, error)
	SetGlobalSettings(value string) error
	GetCharacterKeys(characterID string) (map[string]string, error)
	SetCharacterKey(characterID, key, value string) error
	DeleteCharacterKeys(characterID string, keys ...string) error
	ListPresets() ([]string, error)
	PutPreset(name, value string) error
	DeletePreset(name string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, structured access to the stored settings.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl}
}

// Global returns the global settings, or Defaults when nothing is stored.
func (m *Manager) Global() (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := deepCopy(*m.cached)
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return deepCopy(*m.cached), nil
	}

	s, err := m.loadLocked()
	if err != nil {
		return Settings{}, err
	}
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return deepCopy(s), nil
}

func (m *Manager) loadLocked() (Settings, error) {
	raw, err := m.store.GetGlobalSettings()
	if err != nil {
		return Settings{}, fmt.Errorf("loading global settings: %w", err)
	}
	s := Defaults()
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		slog.Warn("malformed global settings, using defaults", "error", err)
		return Defaults(), nil
	}
	return s, nil
}

// SaveGlobal replaces the global settings.
func (m *Manager) SaveGlobal(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(s)
}

func (m *Manager) saveLocked(s Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling settings: %w", err)
	}
	if err := m.store.SetGlobalSettings(string(b)); err != nil {
		return fmt.Errorf("saving global settings: %w", err)
	}
	m.cached = nil
	return nil
}

// SetCharacterKey stores one API setting on a character.
func (m *Manager) SetCharacterKey(characterID, key string, value json.RawMessage) error {
	if characterID == "" {
		return errors.New("character id is required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", key)
	}
	if err := m.store.SetCharacterKey(characterID, key, string(value)); err != nil {
		return fmt.Errorf("setting character key %q: %w", key, err)
	}
	return nil
}

// SaveSetting stores one API setting in the scope that owns it. Character
// keys go to characterID and are dropped silently when it is empty. Any
// other key is written to the global scope and removed from characterID so
// a stale character value cannot shadow it.
func (m *Manager) SaveSetting(characterID, key string, value json.RawMessage) error {
	if IsCharacterKey(key) {
		if characterID == "" {
			return nil
		}
		return m.SetCharacterKey(characterID, key, value)
	}

	m.mu.Lock()
	s, err := m.loadLocked()
	if err == nil {
		if err = decodeGlobalKey(&s, key, value); err == nil {
			err = m.saveLocked(s)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if characterID != "" {
		if err := m.store.DeleteCharacterKeys(characterID, key); err != nil {
			return fmt.Errorf("clearing character key %q: %w", key, err)
		}
	}
	return nil
}

// decodeGlobalKey sets key on s. Top-level keys and API keys share one
// namespace.
func decodeGlobalKey(s *Settings, key string, value json.RawMessage) error {
	top := map[string]json.RawMessage{key: value}
	b, err := json.Marshal(top)
	if err != nil {
		return err
	}
	switch key {
	case "enabled", "minLength", "lastUsedPresetName":
		if err := json.Unmarshal(b, s); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		return nil
	}
	fields, _ := toFields(DefaultAPI())
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return decodeField(&s.API, key, value)
}

// Effective returns the global settings with API settings merged for
// characterID and the active preset applied.
func (m *Manager) Effective(characterID string) (Settings, error) {
	s, err := m.Global()
	if err != nil {
		return Settings{}, err
	}

	var local map[string]json.RawMessage
	if characterID != "" {
		keys, err := m.store.GetCharacterKeys(characterID)
		if err != nil {
			return Settings{}, fmt.Errorf("loading character settings: %w", err)
		}
		local = make(map[string]json.RawMessage, len(keys))
		for k, v := range keys {
			if json.Valid([]byte(v)) {
				local[k] = json.RawMessage(v)
			}
		}
	}

	var active *Preset
	if s.LastUsedPreset != "" {
		p, err := m.preset(s.LastUsedPreset)
		switch {
		case err == nil:
			active = &p
		case !errors.Is(err, ErrPresetNotFound):
			return Settings{}, err
		}
	}

	s.API = Merge(s.API, local, active)
	return s, nil
}

// ListPresets returns all presets in insertion order.
func (m *Manager) ListPresets() ([]Preset, error) {
	raws, err := m.store.ListPresets()
	if err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	out := make([]Preset, 0, len(raws))
	for _, r := range raws {
		var p Preset
		if err := json.Unmarshal([]byte(r), &p); err != nil {
			slog.Warn("skipping malformed stored preset", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Manager) preset(name string) (Preset, error) {
	all, err := m.ListPresets()
	if err != nil {
		return Preset{}, err
	}
	for _, p := range all {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
}

// ImportResult counts the outcome of ImportPresets.
type ImportResult struct {
	Added       int `json:"added"`
	Overwritten int `json:"overwritten"`
}

// ImportPresets stores every named preset in data, a JSON array. Presets
// replace existing ones with the same name.
func (m *Manager) ImportPresets(data []byte) (ImportResult, error) {
	incoming, err := ParsePresets(data)
	if err != nil {
		return ImportResult{}, err
	}
	existing, err := m.ListPresets()
	if err != nil {
		return ImportResult{}, err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Name] = true
	}

	var res ImportResult
	for _, p := range incoming {
		if err := m.putPreset(p); err != nil {
			return res, err
		}
		if known[p.Name] {
			res.Overwritten++
		} else {
			res.Added++
			known[p.Name] = true
		}
	}
	return res, nil
}

func (m *Manager) putPreset(p Preset) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling preset %q: %w", p.Name, err)
	}
	if err := m.store.PutPreset(p.Name, string(b)); err != nil {
		return fmt.Errorf("saving preset %q: %w", p.Name, err)
	}
	return nil
}

// ExportPreset returns the named preset as a one-element JSON array, the
// shape ImportPresets accepts.
func (m *Manager) ExportPreset(name string) ([]byte, error) {
	p, err := m.preset(name)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent([]Preset{p}, "", "  ")
}

// SelectPreset makes name the active preset: its values are copied into
// the global scope and prompt keys left on characterID are cleared. An
// empty name deselects.
func (m *Manager) SelectPreset(characterID, name string) error {
	m.mu.Lock()
	s, err := m.loadLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if name == "" {
		s.LastUsedPreset = ""
		err = m.saveLocked(s)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	p, err := m.preset(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	s, err = m.loadLocked()
	if err == nil {
		s.MinLength = p.apply(&s.API)
		s.LastUsedPreset = name
		err = m.saveLocked(s)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.clearStale(characterID)
}

// ApplyLastUsedPreset reapplies the last used preset, typically when the
// active chat changes. It reports whether a preset was applied.
func (m *Manager) ApplyLastUsedPreset(characterID string) (bool, error) {
	s, err := m.Global()
	if err != nil {
		return false, err
	}
	if s.LastUsedPreset == "" {
		return false, nil
	}
	p, err := m.preset(s.LastUsedPreset)
	if errors.Is(err, ErrPresetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	s, err = m.loadLocked()
	if err == nil {
		s.API.Prompts = cloneSegments(p.Prompts)
		s.API.Rates = p.Rates
		err = m.saveLocked(s)
	}
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	return true, m.clearStale(characterID)
}

func (m *Manager) clearStale(characterID string) error {
	if characterID == "" {
		return nil
	}
	if err := m.store.DeleteCharacterKeys(characterID, staleCharacterKeys...); err != nil {
		return fmt.Errorf("clearing stale character settings: %w", err)
	}
	return nil
}

// DeletePreset removes a preset. Deleting the active preset deselects it.
func (m *Manager) DeletePreset(name string) error {
	if _, err := m.preset(name); err != nil {
		return err
	}
	if err := m.store.DeletePreset(name); err != nil {
		return fmt.Errorf("deleting preset %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.loadLocked()
	if err != nil {
		return err
	}
	if s.LastUsedPreset != name {
		return nil
	}
	s.LastUsedPreset = ""
	return m.saveLocked(s)
}

func deepCopy(s Settings) Settings {
	cp := s
	cp.API.Prompts = cloneSegments(s.API.Prompts)
	cp.API.SelectedWorldbooks = slices.Clone(s.API.SelectedWorldbooks)
	if s.API.DisabledWorldbookEntries.ByBook != nil {
		byBook := make(map[string][]int, len(s.API.DisabledWorldbookEntries.ByBook))
		for k, v := range s.API.DisabledWorldbookEntries.ByBook {
			byBook[k] = slices.Clone(v)
		}
		cp.API.DisabledWorldbookEntries.ByBook = byBook
	}
	return cp
}
