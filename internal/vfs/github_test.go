package vfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeGitHub serves the subset of the contents API the driver uses.
func fakeGitHub(t *testing.T) (*GitHubFS, *httptest.Server, *string) {
	t.Helper()
	var lastRef string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/", func(w http.ResponseWriter, r *http.Request) {
		lastRef = r.URL.Query().Get("ref")
		path := strings.TrimPrefix(r.URL.Path, "/repos/acme/widgets/contents/")
		switch path {
		case "README.md":
			content := base64.StdEncoding.EncodeToString([]byte("# widgets\n"))
			// The API wraps base64 payloads at 60 columns.
			json.NewEncoder(w).Encode(map[string]any{
				"name":     "README.md",
				"type":     "file",
				"size":     10,
				"content":  content[:4] + "\n" + content[4:],
				"encoding": "base64",
			})
		case "docs":
			json.NewEncoder(w).Encode([]map[string]any{
				{"name": "intro.md", "type": "file", "size": 5},
				{"name": "img", "type": "dir", "size": 0},
			})
		default:
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	g := &GitHubFS{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: server.URL,
	}
	return g, server, &lastRef
}

func TestGitHubRead(t *testing.T) {
	g, _, lastRef := fakeGitHub(t)
	ctx := context.Background()

	data, err := g.Read(ctx, "acme/widgets/README.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "# widgets\n" {
		t.Errorf("Read = %q", data)
	}
	if *lastRef != "" {
		t.Errorf("ref sent without @ref: %q", *lastRef)
	}
}

func TestGitHubReadWithRef(t *testing.T) {
	g, _, lastRef := fakeGitHub(t)
	if _, err := g.Read(context.Background(), "acme/widgets@v1.2/README.md"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if *lastRef != "v1.2" {
		t.Errorf("ref = %q, want v1.2", *lastRef)
	}
}

func TestGitHubStat(t *testing.T) {
	g, _, _ := fakeGitHub(t)
	ctx := context.Background()

	st, err := g.Stat(ctx, "acme/widgets/README.md")
	if err != nil {
		t.Fatalf("Stat file: %v", err)
	}
	if !st.IsFile || st.Size != 10 || !st.ReadOnly {
		t.Errorf("file stat = %+v", st)
	}
	st, err = g.Stat(ctx, "acme/widgets/docs")
	if err != nil {
		t.Fatalf("Stat dir: %v", err)
	}
	if !st.IsDir {
		t.Errorf("dir stat = %+v", st)
	}
}

func TestGitHubList(t *testing.T) {
	g, _, _ := fakeGitHub(t)
	names, err := g.List(context.Background(), "acme/widgets/docs")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "intro.md" || names[1] != "img" {
		t.Errorf("List = %v", names)
	}
	if _, err := g.List(context.Background(), "acme/widgets/README.md"); err == nil {
		t.Error("List of a file succeeded")
	}
}

func TestGitHubNotFound(t *testing.T) {
	g, _, _ := fakeGitHub(t)
	if _, err := g.Read(context.Background(), "acme/widgets/missing.txt"); err == nil {
		t.Error("Read of missing file succeeded")
	}
	if _, err := g.Stat(context.Background(), "acme/widgets/missing.txt"); err == nil {
		t.Error("Stat of missing file succeeded")
	}
}

func TestGitHubReadOfDirectoryFails(t *testing.T) {
	g, _, _ := fakeGitHub(t)
	if _, err := g.Read(context.Background(), "acme/widgets/docs"); err == nil {
		t.Error("Read of a directory succeeded")
	}
}
