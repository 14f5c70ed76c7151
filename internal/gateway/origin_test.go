package gateway

import (
	"net/url"
	"testing"
	"time"
)

var testOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func TestOriginStrictness(t *testing.T) {
	accepted := []string{
		"http://localhost",
		"http://localhost:8080",
		"http://127.0.0.1",
		"http://127.0.0.1:3000",
		"https://localhost",
	}
	for _, origin := range accepted {
		if !ValidateOrigin(origin, testOrigins) {
			t.Errorf("ValidateOrigin(%q) = false, want true", origin)
		}
	}

	rejected := []string{
		"http://localhost.evil.com",
		"http://evillocalhost",
		"http://localhost.evil.com:8080",
		"ftp://localhost",
		"http://192.168.1.1",
		"https://example.com",
		"not a url",
		"",
	}
	for _, origin := range rejected {
		if ValidateOrigin(origin, testOrigins) {
			t.Errorf("ValidateOrigin(%q) = true, want false", origin)
		}
	}
}

func TestParseConnRequest(t *testing.T) {
	tests := []struct {
		query string
		want  ConnRequest
	}{
		{query: "", want: ConnRequest{}},
		{query: "session=abc123", want: ConnRequest{SessionID: "abc123"}},
		{query: "session=new", want: ConnRequest{ForceNew: true}},
		{query: "view=abc123", want: ConnRequest{ViewID: "abc123"}},
		{query: "view=v1&session=s1", want: ConnRequest{ViewID: "v1"}},
		{query: "share=tok123", want: ConnRequest{ShareToken: "tok123"}},
		{query: "share=tok123&view=v1&session=s1", want: ConnRequest{ShareToken: "tok123"}},
		{query: "session=s1&context=%2Fhome%2Fme%2Fproj", want: ConnRequest{SessionID: "s1", Context: "/home/me/proj"}},
	}
	for _, tt := range tests {
		values, err := url.ParseQuery(tt.query)
		if err != nil {
			t.Fatalf("ParseQuery(%q): %v", tt.query, err)
		}
		got := ParseConnRequest(values)
		if got != tt.want {
			t.Errorf("ParseConnRequest(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestLagDebounce(t *testing.T) {
	current := time.Now()
	l := newLagRecovery(2 * time.Second)
	l.now = func() time.Time { return current }

	// M ≥ 2 lag signals inside the window recover exactly once.
	recoveries := 0
	for range 5 {
		if l.shouldRecover() {
			recoveries++
		}
		current = current.Add(100 * time.Millisecond)
	}
	if recoveries != 1 {
		t.Errorf("recoveries = %d in window, want 1", recoveries)
	}

	// After the window passes, the next lag recovers again.
	current = current.Add(2 * time.Second)
	if !l.shouldRecover() {
		t.Error("no recovery after debounce window elapsed")
	}
}
