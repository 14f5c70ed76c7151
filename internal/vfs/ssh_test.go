package vfs

import (
	"testing"
)

func TestParseSSHPath(t *testing.T) {
	tests := []struct {
		rest    string
		user    string
		host    string
		port    int
		path    string
		wantErr bool
	}{
		{rest: "alice@server:2222/home/alice/f.txt", user: "alice", host: "server", port: 2222, path: "/home/alice/f.txt"},
		{rest: "bob@host/etc/motd", user: "bob", host: "host", port: 22, path: "/etc/motd"},
		{rest: "bob@host", user: "bob", host: "host", port: 22, path: "/"},
		{rest: "nohost", wantErr: true},
		{rest: "@host/x", wantErr: true},
		{rest: "user@host:bad/x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseSSHPath(tt.rest)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSSHPath(%q) err = nil, want error", tt.rest)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSSHPath(%q): %v", tt.rest, err)
			continue
		}
		if got.user != tt.user || got.host != tt.host || got.port != tt.port || got.path != tt.path {
			t.Errorf("parseSSHPath(%q) = %+v", tt.rest, got)
		}
	}
}

func TestSSHPoolKey(t *testing.T) {
	target, err := parseSSHPath("alice@server:2222/x")
	if err != nil {
		t.Fatal(err)
	}
	if got := target.poolKey(); got != "alice@server:2222" {
		t.Errorf("poolKey = %q", got)
	}
}

func TestSecretZeroing(t *testing.T) {
	s := NewSecret("hunter2")
	if s.Expose() != "hunter2" {
		t.Errorf("Expose = %q", s.Expose())
	}
	if s.Empty() {
		t.Error("Empty before Zero")
	}
	s.Zero()
	if !s.Empty() {
		t.Error("not Empty after Zero")
	}
	if s.Expose() != "" {
		t.Errorf("Expose after Zero = %q, want empty", s.Expose())
	}
}

func TestSSHPasswordReplacedIsWiped(t *testing.T) {
	fs := NewSSHFS()
	fs.SetPassword("u", "h", 22, "first")
	old := fs.passwords["u@h:22"]
	fs.SetPassword("u", "h", 22, "second")
	if !old.Empty() {
		t.Error("replaced password not wiped")
	}
	if got := fs.passwords["u@h:22"].Expose(); got != "second" {
		t.Errorf("current password = %q", got)
	}
}

func TestParseGitHubPath(t *testing.T) {
	tests := []struct {
		rest  string
		owner string
		repo  string
		ref   string
		path  string
		bad   bool
	}{
		{rest: "golang/go/src/fmt/print.go", owner: "golang", repo: "go", path: "src/fmt/print.go"},
		{rest: "golang/go@release-branch.go1.22/README.md", owner: "golang", repo: "go", ref: "release-branch.go1.22", path: "README.md"},
		{rest: "golang/go", owner: "golang", repo: "go"},
		{rest: "justowner", bad: true},
	}
	for _, tt := range tests {
		got, err := parseGitHubPath(tt.rest)
		if tt.bad {
			if err == nil {
				t.Errorf("parseGitHubPath(%q) err = nil", tt.rest)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseGitHubPath(%q): %v", tt.rest, err)
			continue
		}
		if got.owner != tt.owner || got.repo != tt.repo || got.ref != tt.ref || got.path != tt.path {
			t.Errorf("parseGitHubPath(%q) = %+v", tt.rest, got)
		}
	}
}

func TestGitHubWriteRejected(t *testing.T) {
	g := NewGitHubFS()
	if err := g.Write(nil, "o/r/f.txt", []byte("x")); err == nil {
		t.Fatal("github Write succeeded, want read-only error")
	}
}

func TestParseGitPath(t *testing.T) {
	ref, path, err := parseGitPath("main/src/app.go")
	if err != nil || ref != "main" || path != "src/app.go" {
		t.Errorf("parseGitPath = %q,%q,%v", ref, path, err)
	}
	ref, path, err = parseGitPath("HEAD")
	if err != nil || ref != "HEAD" || path != "" {
		t.Errorf("parseGitPath(HEAD) = %q,%q,%v", ref, path, err)
	}
	if _, _, err := parseGitPath(""); err == nil {
		t.Error("parseGitPath(\"\") err = nil")
	}
}

func TestGitWriteRejected(t *testing.T) {
	g := NewGitFS(".")
	if err := g.Write(nil, "HEAD/f.txt", []byte("x")); err == nil {
		t.Fatal("git Write succeeded, want read-only error")
	}
}
