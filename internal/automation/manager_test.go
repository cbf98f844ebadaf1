//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
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
		Meta: ScriptMeta{Name: "Door Alarm", Description: "Log door contacts", Enabled: true},
		Code: `hm.on("message_received", {src="123456"}, function(ev) hm.log(ev.payload) end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "door_alarm" {
		t.Errorf("id = %q, want door_alarm", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if !strings.HasPrefix(got.Code, `hm.on("message_received"`) {
		t.Errorf("code = %q", got.Code)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{ID: "my_script", Meta: ScriptMeta{Name: "Mine"}, Code: `hm.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	s.Code = `hm.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(got.Code) != `hm.log("v2")` {
		t.Errorf("code after update = %q", got.Code)
	}
}

func TestManagerRejectsBadID(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"..", "../etc/passwd", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q): expected error", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q): expected error", id)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q): expected error", id)
		}
	}
}

func TestManagerListAndDelete(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}, Code: `hm.log("` + name + `")`}); err != nil {
			t.Fatal(err)
		}
	}
	// not a script
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 || scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Fatalf("scripts = %v", scripts)
	}

	if err := m.Delete("beta"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("beta"); err == nil {
		t.Error("expected error after delete")
	}
	if err := m.Delete("beta"); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}

	s3, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID != "script" {
		t.Errorf("id = %q, want script", s3.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{dir: dir, logger: testLogger()}

	tests := []struct {
		name     string
		content  string
		wantMeta ScriptMeta
		wantCode string
	}{
		{
			name:     "with metadata",
			content:  "-- {\"name\":\"Thermostat\",\"description\":\"night mode\",\"enabled\":false}\n\nhm.log(\"x\")\n",
			wantMeta: ScriptMeta{Name: "Thermostat", Description: "night mode"},
			wantCode: "hm.log(\"x\")\n",
		},
		{
			name:     "plain lua",
			content:  "-- just a comment\nhm.log(\"y\")\n",
			wantMeta: ScriptMeta{Name: "plain", Enabled: true},
			wantCode: "-- just a comment\nhm.log(\"y\")\n",
		},
		{
			name:     "broken metadata",
			content:  "-- {not json\nhm.log(\"z\")\n",
			wantMeta: ScriptMeta{},
			wantCode: "hm.log(\"z\")\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "plain.lua")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			s, err := m.parseFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if s.ID != "plain" {
				t.Errorf("id = %q, want plain", s.ID)
			}
			if s.Meta != tt.wantMeta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.wantMeta)
			}
			if s.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", s.Code, tt.wantCode)
			}
		})
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		Meta: ScriptMeta{Name: "Test", Enabled: true},
		Code: `hm.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nhm.log(\"hi\")\n"
	if content != want {
		t.Errorf("serializeScript() = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Door Alarm", "door_alarm"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
