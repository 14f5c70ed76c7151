package share

import (
	"testing"
	"time"
)

func TestSingleUseClaimsExactlyOnce(t *testing.T) {
	s := NewTokenStore()
	token := s.Store("/proj", ProjectConfig{Name: "proj"}, TokenOptions{Mode: ModeSingleUse})

	claim, ok := s.Claim(token)
	if !ok {
		t.Fatal("first claim failed")
	}
	if claim.Path != "/proj" || claim.Config.Name != "proj" {
		t.Errorf("claim = %+v", claim)
	}
	for range 3 {
		if _, ok := s.Claim(token); ok {
			t.Fatal("single-use token claimed twice")
		}
	}
}

func TestShareTokenBoundedClaims(t *testing.T) {
	s := NewTokenStore()
	token := s.Store("/p", ProjectConfig{}, TokenOptions{Mode: ModeShare, MaxClaims: 3})
	for i := range 3 {
		if _, ok := s.Claim(token); !ok {
			t.Fatalf("claim %d failed", i)
		}
	}
	if _, ok := s.Claim(token); ok {
		t.Fatal("share token exceeded max claims")
	}
}

func TestSnapshotTokenUnlimited(t *testing.T) {
	s := NewTokenStore()
	token := s.Store("/p", ProjectConfig{}, TokenOptions{Mode: ModeSnapshot})
	for i := range 50 {
		if _, ok := s.Claim(token); !ok {
			t.Fatalf("snapshot claim %d failed", i)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	s := NewTokenStore()
	current := time.Now()
	s.now = func() time.Time { return current }

	token := s.Store("/p", ProjectConfig{}, TokenOptions{Mode: ModeSingleUse})

	// Just under the default TTL: still valid.
	current = current.Add(DefaultTokenTTL - time.Second)
	if _, _, ok := s.Info(token); !ok {
		t.Fatal("token expired early")
	}
	// Past the TTL: gone.
	current = current.Add(2 * time.Second)
	if _, ok := s.Claim(token); ok {
		t.Fatal("expired token claimed")
	}
}

func TestTokenCustomTTL(t *testing.T) {
	s := NewTokenStore()
	current := time.Now()
	s.now = func() time.Time { return current }

	token := s.Store("/p", ProjectConfig{}, TokenOptions{Mode: ModeSnapshot, TTL: time.Hour})
	current = current.Add(30 * time.Minute)
	if _, ok := s.Claim(token); !ok {
		t.Fatal("token with custom TTL expired early")
	}
	current = current.Add(31 * time.Minute)
	if _, ok := s.Claim(token); ok {
		t.Fatal("token survived custom TTL")
	}
}

func TestTokenTargets(t *testing.T) {
	s := NewTokenStore()
	token := s.Store("/p", ProjectConfig{}, TokenOptions{
		Mode:       ModeSingleUse,
		TargetFile: "src/main.go",
		TargetLine: 42,
	})
	claim, ok := s.Claim(token)
	if !ok || claim.TargetFile != "src/main.go" || claim.TargetLine != 42 {
		t.Errorf("claim = %+v, %v", claim, ok)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := NewTokenStore()
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Store("/a", ProjectConfig{}, TokenOptions{})
	s.Store("/b", ProjectConfig{}, TokenOptions{TTL: time.Hour})
	current = current.Add(10 * time.Minute)
	if dropped := s.Cleanup(); dropped != 1 {
		t.Errorf("Cleanup dropped %d, want 1", dropped)
	}
}

func TestShareLinkUseLimits(t *testing.T) {
	s := NewLinkStore()
	link := s.CreateLink("sess-1", LinkOptions{MaxUses: 2, ReadOnly: true})

	id, ro, ok := s.UseLink(link.Token)
	if !ok || id != "sess-1" || !ro {
		t.Fatalf("UseLink = %q,%v,%v", id, ro, ok)
	}
	if _, _, ok := s.UseLink(link.Token); !ok {
		t.Fatal("second use failed")
	}
	if _, _, ok := s.UseLink(link.Token); ok {
		t.Fatal("use limit exceeded")
	}
}

func TestShareLinkRevoke(t *testing.T) {
	s := NewLinkStore()
	link := s.CreateLink("sess-1", LinkOptions{})
	if !s.Revoke(link.Token) {
		t.Fatal("Revoke failed")
	}
	if _, _, ok := s.UseLink(link.Token); ok {
		t.Fatal("revoked link used")
	}
	if s.Revoke(link.Token) {
		t.Fatal("double revoke succeeded")
	}
}

func TestShareLinkListing(t *testing.T) {
	s := NewLinkStore()
	s.CreateLink("a", LinkOptions{Label: "one"})
	s.CreateLink("a", LinkOptions{Label: "two"})
	s.CreateLink("b", LinkOptions{})
	links := s.Links("a")
	if len(links) != 2 {
		t.Errorf("Links(a) = %d entries, want 2", len(links))
	}
}

func TestTokensAreUnique(t *testing.T) {
	s := NewTokenStore()
	seen := make(map[string]bool)
	for range 100 {
		token := s.Store("/p", ProjectConfig{}, TokenOptions{Mode: ModeSnapshot})
		if seen[token] {
			t.Fatal("duplicate token generated")
		}
		seen[token] = true
	}
}
