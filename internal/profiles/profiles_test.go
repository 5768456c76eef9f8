package profiles

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/parlo/internal/store"
	"github.com/clawinfra/parlo/internal/types"
)

func TestFunctionsIncludeCore(t *testing.T) {
	c := DefaultCatalog()
	fns := c.Functions("cucina")
	if fns[0] != types.ExitIntent {
		t.Errorf("core functions must come first, got %v", fns[:3])
	}
	if !c.Allows("cucina", "ricette") || !c.Allows("cucina", types.ContinueChat) {
		t.Error("expected ricette and continue_chat to be eligible for cucina")
	}
	if c.Allows("cucina", "radio_italia") {
		t.Error("radio_italia is not part of cucina")
	}

	seen := map[types.FunctionName]bool{}
	for _, fn := range fns {
		if seen[fn] {
			t.Errorf("duplicate function %s", fn)
		}
		seen[fn] = true
	}
}

func TestUnknownProfileFallsBack(t *testing.T) {
	c := DefaultCatalog()
	if c.Normalize("astronauta") != DefaultProfile {
		t.Error("unknown profile must normalize to the default")
	}
	got, want := c.Functions("astronauta"), c.Functions(DefaultProfile)
	if len(got) != len(want) {
		t.Errorf("unknown profile should expose the default functions")
	}
}

func TestResolve(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"bambini", "bambini", true},
		{"Nonna", "anziani", true},
		{"metti il profilo cucina per favore", "cucina", true},
		{"modalità cultura italiana", "cultura_italiana", true},
		{"smart_home", "smart_home", true},
		{"produttività", "produttivita", true},
		{"astronauta", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := c.Resolve(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewCatalogValidation(t *testing.T) {
	if _, err := NewCatalog(nil, BuiltinProfiles(), nil, "missing"); err == nil {
		t.Error("expected error for unknown default")
	}
	if _, err := NewCatalog(nil, BuiltinProfiles(), []Alias{{Word: "x", Profile: "nope"}}, DefaultProfile); err == nil {
		t.Error("expected error for dangling alias")
	}
	dup := append(BuiltinProfiles(), Profile{Name: "notte"})
	if _, err := NewCatalog(nil, dup, nil, DefaultProfile); err == nil {
		t.Error("expected error for duplicate profile")
	}
}

func TestLoadCatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.toml")
	data := `
default = "cucina"

[profiles.cucina]
nome = "Chef di casa"
functions = ["ricette", "timer_sveglia"]

[profiles.officina]
nome = "Officina"
descrizione = "Attrezzi"
functions = ["calcolatrice"]
aliases = ["garage"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Default() != "cucina" {
		t.Errorf("default = %q", c.Default())
	}
	p, _ := c.Get("cucina")
	if p.Title != "Chef di casa" || len(p.Functions) != 2 || p.Icon == "" {
		t.Errorf("override not merged: %+v", p)
	}
	if got, ok := c.Resolve("vai in garage"); !ok || got != "officina" {
		t.Errorf("custom alias not resolved: %q %v", got, ok)
	}
	if c.Normalize("boh") != "cucina" {
		t.Error("unknown profile must fall back to the configured default")
	}

	if c, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.toml")); err != nil || c.Default() != DefaultProfile {
		t.Errorf("missing file should yield defaults: %v", err)
	}
}

func TestDeviceProfiles(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	dp := NewDeviceProfiles(s, DefaultCatalog(), logger)

	if got := dp.Get("dev1"); got != DefaultProfile {
		t.Errorf("expected default profile, got %q", got)
	}
	if err := dp.Set(context.Background(), "dev1", "bambini"); err != nil {
		t.Fatal(err)
	}
	if got := dp.Get("dev1"); got != "bambini" {
		t.Errorf("expected bambini, got %q", got)
	}
	if err := dp.Set(context.Background(), "dev1", "astronauta"); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestUnreached(t *testing.T) {
	c := DefaultCatalog()
	got := c.Unreached([]types.FunctionName{"ricette", "notizie_locali", types.ExitIntent, "borsa"})
	if len(got) != 2 || got[0] != "notizie_locali" || got[1] != "borsa" {
		t.Errorf("unreached = %v", got)
	}
	if got := c.Unreached(nil); got != nil {
		t.Errorf("unreached(nil) = %v", got)
	}
}
