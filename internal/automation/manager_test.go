//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Evening Close",
			Description: "Close everything at dusk",
			Enabled:     true,
		},
		LuaCode: `elero.down("all")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "evening_close" {
		t.Errorf("id = %q, want evening_close", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Evening Close" {
		t.Errorf("name = %q", got.Meta.Name)
	}
	if got.Meta.Description != "Close everything at dusk" {
		t.Errorf("description = %q", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if got.LuaCode != "elero.down(\"all\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "morning",
		Meta:    ScriptMeta{Name: "Morning", Enabled: true},
		LuaCode: `elero.up(1)`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `elero.up(2)`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("morning")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `elero.up(2)`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
	scripts, _ := m.List()
	if len(scripts) != 1 {
		t.Errorf("list count = %d, want 1", len(scripts))
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}, LuaCode: `elero.log("x")`}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Temporary"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"..", "../etc/passwd", `a\b`} {
		if _, err := m.Get(id); err == nil || errors.Is(err, ErrScriptNotFound) {
			t.Errorf("Get(%q): err = %v", id, err)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) succeeded", id)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup_1,dup_2" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "script" {
		t.Errorf("id for unsluggable name = %q", s.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Storm","description":"Close on wind","enabled":true}

elero.on("status", {channel = 3}, function(ev)
    elero.down("all")
end)
`
	path := filepath.Join(dir, "storm.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "storm" || s.Meta.Name != "Storm" || s.Meta.Description != "Close on wind" || !s.Meta.Enabled {
		t.Errorf("parsed = %+v", s)
	}
	if !strings.HasPrefix(s.LuaCode, `elero.on("status"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptFileWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte("elero.up(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := (&Manager{dir: dir}).parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "elero.up(1)\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `elero.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nelero.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q\nwant      %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Living Room Blinds", "living_room_blinds"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
