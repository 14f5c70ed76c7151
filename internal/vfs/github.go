package vfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// GitHubFS serves vfs://github/<owner>/<repo>[@ref]/<path> read-only
// through the repository contents API.
type GitHubFS struct {
	Unsupported
	client  *http.Client
	baseURL string
	token   string
}

// NewGitHubFS creates the driver. A token is read from GITHUB_TOKEN
// when present (higher rate limits, private repos).
func NewGitHubFS() *GitHubFS {
	return &GitHubFS{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.github.com",
		token:   os.Getenv("GITHUB_TOKEN"),
	}
}

type githubTarget struct {
	owner string
	repo  string
	ref   string
	path  string
}

// parseGitHubPath splits "<owner>/<repo>[@ref]/<path>".
func parseGitHubPath(rest string) (githubTarget, error) {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return githubTarget{}, fmt.Errorf("github path %q: want owner/repo[@ref]/path", rest)
	}
	t := githubTarget{owner: parts[0], repo: parts[1]}
	if at := strings.Index(t.repo, "@"); at >= 0 {
		t.ref = t.repo[at+1:]
		t.repo = t.repo[:at]
	}
	if len(parts) == 3 {
		t.path = parts[2]
	}
	return t, nil
}

type githubContent struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "file" | "dir" | "symlink"
	Size     uint64 `json:"size"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (g *GitHubFS) fetch(ctx context.Context, t githubTarget) ([]byte, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL, t.owner, t.repo, t.path)
	if t.ref != "" {
		u += "?ref=" + url.QueryEscape(t.ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("github response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("github: %s/%s: %s not found", t.owner, t.repo, t.path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: %s/%s: status %d", t.owner, t.repo, resp.StatusCode)
	}
	return body, nil
}

func (g *GitHubFS) Read(ctx context.Context, path string) ([]byte, error) {
	t, err := parseGitHubPath(path)
	if err != nil {
		return nil, err
	}
	body, err := g.fetch(ctx, t)
	if err != nil {
		return nil, err
	}
	var file githubContent
	if err := json.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("github: %s is a directory, not a file", path)
	}
	if file.Type != "file" {
		return nil, fmt.Errorf("github: %s is a %s, not a file", path, file.Type)
	}
	if file.Encoding != "base64" {
		return []byte(file.Content), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("github: decode %s: %w", path, err)
	}
	return decoded, nil
}

func (g *GitHubFS) Write(ctx context.Context, path string, data []byte) error {
	return fmt.Errorf("github backend is read-only; cannot write %s", path)
}

func (g *GitHubFS) Stat(ctx context.Context, path string) (FileStat, error) {
	t, err := parseGitHubPath(path)
	if err != nil {
		return FileStat{}, err
	}
	body, err := g.fetch(ctx, t)
	if err != nil {
		return FileStat{}, err
	}
	// A JSON array means directory listing; an object is a file.
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		return DirStat(), nil
	}
	var file githubContent
	if err := json.Unmarshal(body, &file); err != nil {
		return FileStat{}, fmt.Errorf("github: parse stat %s: %w", path, err)
	}
	st := FileStatFor(file.Size)
	st.ReadOnly = true
	st.IsDir = file.Type == "dir"
	st.IsFile = file.Type == "file"
	return st, nil
}

func (g *GitHubFS) List(ctx context.Context, path string) ([]string, error) {
	t, err := parseGitHubPath(path)
	if err != nil {
		return nil, err
	}
	body, err := g.fetch(ctx, t)
	if err != nil {
		return nil, err
	}
	var entries []githubContent
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("github: %s is not a directory", path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}
