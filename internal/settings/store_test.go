package settings

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetUnsetKey(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get(missing) ok = true")
	}
}

func TestSetGetOverwrite(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("theme", "dark"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("theme")
	if err != nil || !ok || v != "dark" {
		t.Fatalf("Get = %q,%v,%v", v, ok, err)
	}
	if err := s.Set("theme", "light"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, _, _ = s.Get("theme")
	if v != "light" {
		t.Errorf("Get after overwrite = %q", v)
	}
}

func TestAllAndDelete(t *testing.T) {
	s := openTestStore(t)
	s.Set("a", "1")
	s.Set("b", "2")
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all["a"] != "1" || all["b"] != "2" {
		t.Errorf("All = %v", all)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Error("key a survived Delete")
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set("persist", "yes")
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, ok, _ := s2.Get("persist")
	if !ok || v != "yes" {
		t.Errorf("Get after reopen = %q,%v", v, ok)
	}
}
