package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinCatalog(t *testing.T) {
	c, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	list := c.List()
	if len(list) < 2 {
		t.Fatalf("expected at least two scenarios, got %d", len(list))
	}
	s, err := c.Get("midnight-theater")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.PlayerRange.Min != 4 || s.PlayerRange.Max != 7 {
		t.Fatalf("unexpected range %+v", s.PlayerRange)
	}
	if s.Roles.Culprit[0].Name != "Baek Dohyun" || len(s.Roles.Culprit[0].Exposed) != 2 {
		t.Fatalf("unexpected culprit %+v", s.Roles.Culprit[0])
	}
	if len(s.Roles.Suspects) != 4 {
		t.Fatalf("expected 4 suspects, got %d", len(s.Roles.Suspects))
	}
}

func TestGetUnknownScenario(t *testing.T) {
	c := NewCatalog()
	if _, err := c.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadDirRejectsIncompleteRoles(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
id: broken
title: Broken
player_range: {min: 3, max: 5}
roles:
  detective:
    - name: D
      title: Detective
  culprit:
    - name: C
      title: Culprit
`)
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := NewCatalog().LoadDir(dir); err == nil {
		t.Fatal("expected validation error for missing suspects")
	}
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	c, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	dir := t.TempDir()
	body := []byte(`
id: winter-lodge
title: Short Lodge
player_range: {min: 2, max: 3}
roles:
  detective: [{name: D, title: Detective}]
  culprit: [{name: C, title: Culprit}]
  suspects: [{name: S, title: Suspect}]
`)
	if err := os.WriteFile(filepath.Join(dir, "lodge.yml"), body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}
	s, _ := c.Get("winter-lodge")
	if s.Title != "Short Lodge" || s.PlayerRange.Max != 3 {
		t.Fatalf("expected override, got %+v", s)
	}
}
