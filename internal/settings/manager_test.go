package settings

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/placeholder"
)

// --- Mock store ---

type mockStore struct {
	mu         sync.Mutex
	global     string
	characters map[string]map[string]string
	presetKeys []string
	presets    map[string]string

	globalReads int
}

func newMockStore() *mockStore {
	return &mockStore{
		characters: make(map[string]map[string]string),
		presets:    make(map[string]string),
	}
}

func (m *mockStore) GetGlobalSettings() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalReads++
	return m.global, nil
}

func (m *mockStore) SetGlobalSettings(v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = v
	return nil
}

func (m *mockStore) GetCharacterKeys(id string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string)
	for k, v := range m.characters[id] {
		cp[k] = v
	}
	return cp, nil
}

func (m *mockStore) SetCharacterKey(id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.characters[id] == nil {
		m.characters[id] = make(map[string]string)
	}
	m.characters[id][key] = value
	return nil
}

func (m *mockStore) DeleteCharacterKeys(id string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.characters[id], k)
	}
	return nil
}

func (m *mockStore) ListPresets() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.presetKeys))
	for _, k := range m.presetKeys {
		out = append(out, m.presets[k])
	}
	return out, nil
}

func (m *mockStore) PutPreset(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[name]; !ok {
		m.presetKeys = append(m.presetKeys, name)
	}
	m.presets[name] = value
	return nil
}

func (m *mockStore) DeletePreset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presets, name)
	m.presetKeys = slices.DeleteFunc(m.presetKeys, func(k string) bool { return k == name })
	return nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

// --- Tests ---

func TestGlobal_Defaults(t *testing.T) {
	mgr := NewManager(newMockStore())

	s, err := mgr.Global()
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if diff := cmp.Diff(Defaults(), s); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestGlobal_CacheTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Unix(0, 0)}
	mgr := NewManagerWithClock(store, clock, time.Minute)

	for range 3 {
		if _, err := mgr.Global(); err != nil {
			t.Fatalf("Global: %v", err)
		}
	}
	if store.globalReads != 1 {
		t.Errorf("reads = %d, want 1 within TTL", store.globalReads)
	}

	clock.Advance(2 * time.Minute)
	mgr.Global()
	if store.globalReads != 2 {
		t.Errorf("reads = %d, want 2 after TTL", store.globalReads)
	}
}

func TestGlobal_ReturnsCopy(t *testing.T) {
	mgr := NewManager(newMockStore())
	s, _ := mgr.Global()
	s.API.Prompts[0].Content = "mutated"

	again, _ := mgr.Global()
	if again.API.Prompts[0].Content == "mutated" {
		t.Error("Global returned shared prompt slice")
	}
}

func TestSaveSetting_GlobalKeyClearsCharacterValue(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)
	store.SetCharacterKey("alice", "temperature", "1.3")

	if err := mgr.SaveSetting("alice", "temperature", raw("0.2")); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}

	eff, err := mgr.Effective("alice")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if eff.API.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", eff.API.Temperature)
	}
	if _, ok := store.characters["alice"]["temperature"]; ok {
		t.Error("stale character temperature was not removed")
	}
}

func TestSaveSetting_CharacterKey(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	if err := mgr.SaveSetting("alice", "selectedWorldbooks", raw(`["north"]`)); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
	if got := store.characters["alice"]["selectedWorldbooks"]; got != `["north"]` {
		t.Errorf("character value = %q", got)
	}
	if store.global != "" {
		t.Errorf("global scope written: %s", store.global)
	}

	// Without a character the write is dropped.
	if err := mgr.SaveSetting("", "worldbookSource", raw(`"manual"`)); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
}

func TestSaveSetting_TopLevelAndUnknown(t *testing.T) {
	mgr := NewManager(newMockStore())

	if err := mgr.SaveSetting("", "minLength", raw("200")); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
	s, _ := mgr.Global()
	if s.MinLength != 200 {
		t.Errorf("minLength = %d, want 200", s.MinLength)
	}

	if err := mgr.SaveSetting("", "noSuchKey", raw("1")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("err = %v, want ErrUnknownKey", err)
	}
}

func TestEffective_CharacterKeysComeOnlyFromCharacter(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	g := Defaults()
	g.API.SelectedWorldbooks = []string{"global-book"}
	g.API.WorldbookSource = SourceManual
	if err := mgr.SaveGlobal(g); err != nil {
		t.Fatalf("SaveGlobal: %v", err)
	}

	eff, _ := mgr.Effective("bob")
	if len(eff.API.SelectedWorldbooks) != 0 || eff.API.WorldbookSource != SourceCharacter {
		t.Errorf("character keys leaked from global: %v %q", eff.API.SelectedWorldbooks, eff.API.WorldbookSource)
	}

	store.SetCharacterKey("bob", "disabledWorldbookEntries", `"__ALL_SELECTED__"`)
	store.SetCharacterKey("bob", "model", `"local-model"`)
	eff, _ = mgr.Effective("bob")
	if !eff.API.DisabledWorldbookEntries.All {
		t.Error("all-selected sentinel not decoded")
	}
	if eff.API.Model != "local-model" {
		t.Errorf("shared key override = %q", eff.API.Model)
	}
}

func TestMerge_PresetOverridesPromptsAndRates(t *testing.T) {
	global := DefaultAPI()
	local := map[string]json.RawMessage{
		"prompts":  raw(`[{"id":"mainPrompt","content":"stale"}]`),
		"rateMain": raw("99"),
		"topP":     raw("0.5"),
	}
	active := &Preset{
		Name:    "p",
		Prompts: []composer.Segment{{ID: "mainPrompt", Content: "from preset"}},
		Rates:   placeholder.Rates{Main: 3, Personal: 4, Erotic: 5, Cuckold: 6},
	}

	got := Merge(global, local, active)
	if got.Prompts[0].Content != "from preset" || got.Rates.Main != 3 {
		t.Errorf("preset did not win: %+v %+v", got.Prompts, got.Rates)
	}
	if got.TopP != 0.5 {
		t.Errorf("topP = %v, want character value", got.TopP)
	}

	got = Merge(global, local, nil)
	if got.Prompts[0].Content != "stale" || got.Rates.Main != 99 {
		t.Errorf("without preset character values should apply: %+v", got.Rates)
	}
}

func TestMerge_EmptyPromptsFallBack(t *testing.T) {
	global := DefaultAPI()
	global.Prompts = []composer.Segment{{ID: "g", Content: "global"}}

	got := Merge(global, map[string]json.RawMessage{"prompts": raw("[]")}, nil)
	if len(got.Prompts) != 1 || got.Prompts[0].Content != "global" {
		t.Errorf("prompts = %+v, want global fallback", got.Prompts)
	}

	global.Prompts = nil
	got = Merge(global, map[string]json.RawMessage{"prompts": raw("[]")}, nil)
	if diff := cmp.Diff(DefaultPrompts(), got.Prompts); diff != "" {
		t.Errorf("default fallback mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_MalformedLocalValueIgnored(t *testing.T) {
	got := Merge(DefaultAPI(), map[string]json.RawMessage{"maxTokens": raw(`"lots"`)}, nil)
	if got.MaxTokens != 20000 {
		t.Errorf("maxTokens = %d, want global value", got.MaxTokens)
	}
}

const legacyPresets = `[
  {"name": "old", "mainPrompt": "legacy main", "systemPrompt": "", "rateMain": 7},
  {"name": "", "prompts": []},
  {"name": "new", "prompts": [{"id": 1764467961649, "role": "user", "content": "hi"}],
   "rateMain": 0, "ratePersonal": 2, "rateErotic": 0, "rateCuckold": 0,
   "extractTags": "plot", "minLength": null, "contextTurnCount": 5}
]`

func TestImportPresets(t *testing.T) {
	mgr := NewManager(newMockStore())

	res, err := mgr.ImportPresets([]byte(legacyPresets))
	if err != nil {
		t.Fatalf("ImportPresets: %v", err)
	}
	if res != (ImportResult{Added: 2}) {
		t.Errorf("result = %+v, want 2 added", res)
	}

	presets, _ := mgr.ListPresets()
	if len(presets) != 2 {
		t.Fatalf("presets = %d, want 2", len(presets))
	}

	old := presets[0]
	if old.Rates != (placeholder.Rates{Main: 7, Personal: 1, Erotic: 1, Cuckold: 1}) {
		t.Errorf("legacy rates = %+v", old.Rates)
	}
	byID := map[composer.SegmentID]string{}
	for _, s := range old.Prompts {
		byID[s.ID] = s.Content
	}
	if byID[composer.MainPromptID] != "legacy main" || byID[composer.SystemPromptID] != "" {
		t.Errorf("legacy prompts not migrated: %+v", byID)
	}
	if byID[composer.FinalDirectiveID] != composer.DefaultFinalDirective {
		t.Errorf("absent legacy field should keep the default directive")
	}
	if old.ContextTurnCount != 3 {
		t.Errorf("contextTurnCount = %d, want default 3", old.ContextTurnCount)
	}

	nw := presets[1]
	if nw.Prompts[0].ID != "1764467961649" || nw.Rates.Main != 0 || nw.ContextTurnCount != 5 {
		t.Errorf("new preset = %+v", nw)
	}

	res, err = mgr.ImportPresets([]byte(`[{"name": "old", "prompts": []}]`))
	if err != nil || res != (ImportResult{Overwritten: 1}) {
		t.Errorf("overwrite result = %+v, %v", res, err)
	}
}

func TestImportPresets_NotArray(t *testing.T) {
	mgr := NewManager(newMockStore())
	if _, err := mgr.ImportPresets([]byte(`{"name": "x"}`)); !errors.Is(err, ErrInvalidPresets) {
		t.Errorf("err = %v, want ErrInvalidPresets", err)
	}
}

func TestExportPreset_RoundTripsThroughImport(t *testing.T) {
	mgr := NewManager(newMockStore())
	mgr.ImportPresets([]byte(legacyPresets))

	out, err := mgr.ExportPreset("new")
	if err != nil {
		t.Fatalf("ExportPreset: %v", err)
	}
	parsed, err := ParsePresets(out)
	if err != nil || len(parsed) != 1 {
		t.Fatalf("export is not an importable array: %v %s", err, out)
	}
	want, _ := mgr.ListPresets()
	if diff := cmp.Diff(want[1], parsed[0]); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}

	if _, err := mgr.ExportPreset("missing"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("err = %v, want ErrPresetNotFound", err)
	}
}

func TestSelectPreset(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)
	mgr.ImportPresets([]byte(legacyPresets))
	store.SetCharacterKey("alice", "prompts", `[]`)
	store.SetCharacterKey("alice", "mainPrompt", `"ghost"`)
	store.SetCharacterKey("alice", "worldbookSource", `"manual"`)

	if err := mgr.SelectPreset("alice", "new"); err != nil {
		t.Fatalf("SelectPreset: %v", err)
	}

	s, _ := mgr.Global()
	if s.LastUsedPreset != "new" || s.API.ExtractTags != "plot" || s.API.ContextTurnCount != 5 || s.API.Rates.Personal != 2 {
		t.Errorf("global after select = %+v", s)
	}
	keys := store.characters["alice"]
	if _, ok := keys["prompts"]; ok {
		t.Error("stale prompts kept on character")
	}
	if _, ok := keys["mainPrompt"]; ok {
		t.Error("legacy prompt kept on character")
	}
	if keys["worldbookSource"] != `"manual"` {
		t.Error("character-owned key was cleared")
	}

	if err := mgr.SelectPreset("alice", "missing"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("err = %v, want ErrPresetNotFound", err)
	}

	if err := mgr.SelectPreset("", ""); err != nil {
		t.Fatalf("deselect: %v", err)
	}
	s, _ = mgr.Global()
	if s.LastUsedPreset != "" {
		t.Errorf("lastUsedPresetName = %q after deselect", s.LastUsedPreset)
	}
}

func TestApplyLastUsedPreset(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	applied, err := mgr.ApplyLastUsedPreset("alice")
	if err != nil || applied {
		t.Fatalf("no preset: applied=%v err=%v", applied, err)
	}

	mgr.ImportPresets([]byte(legacyPresets))
	mgr.SelectPreset("", "new")
	store.SetCharacterKey("alice", "rateMain", "42")

	applied, err = mgr.ApplyLastUsedPreset("alice")
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if _, ok := store.characters["alice"]["rateMain"]; ok {
		t.Error("stale rate kept on character")
	}
}

func TestDeletePreset_DeselectsActive(t *testing.T) {
	mgr := NewManager(newMockStore())
	mgr.ImportPresets([]byte(legacyPresets))
	mgr.SelectPreset("", "old")

	if err := mgr.DeletePreset("old"); err != nil {
		t.Fatalf("DeletePreset: %v", err)
	}
	s, _ := mgr.Global()
	if s.LastUsedPreset != "" {
		t.Errorf("lastUsedPresetName = %q, want cleared", s.LastUsedPreset)
	}
	if err := mgr.DeletePreset("old"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("err = %v, want ErrPresetNotFound", err)
	}
}

func TestDisabledEntries(t *testing.T) {
	var d DisabledEntries
	if err := json.Unmarshal([]byte(`{"north": [1, 4]}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !d.Disabled("north", 4) || d.Disabled("north", 2) || d.Disabled("south", 1) {
		t.Errorf("Disabled lookups wrong for %+v", d)
	}

	b, _ := json.Marshal(DisabledEntries{All: true})
	if string(b) != `"__ALL_SELECTED__"` {
		t.Errorf("marshal all = %s", b)
	}
	b, _ = json.Marshal(DisabledEntries{})
	if string(b) != `{}` {
		t.Errorf("marshal empty = %s", b)
	}
}
