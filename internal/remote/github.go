package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/logutil"
	"github.com/kuitang/notesync/internal/obs"
)

const (
	DefaultGitHubAPIURL = "https://api.github.com"
	DefaultGitHubRepo   = "qn-vault"
	DefaultNotesDir     = "notes"

	// VaultDescription identifies a repository created by the notes app.
	VaultDescription = "Data vault for the qn note-taking app."

	githubAPIVersion = "2022-11-28"
)

// RepoStatus is the state of the vault repository of the token's owner.
type RepoStatus string

const (
	RepoReady    RepoStatus = "READY"
	RepoConflict RepoStatus = "CONFLICT" // same name, different description
	RepoNotFound RepoStatus = "NOT_FOUND"
)

// GitHubConfig configures the GitHub contents API backend.
type GitHubConfig struct {
	Token    string
	Owner    string // resolved from GET /user when empty
	Repo     string
	APIURL   string
	NotesDir string

	// RPS and Burst bound the client-side request rate. RPS <= 0 disables it.
	RPS   float64
	Burst int

	// Transport is the base round tripper (http.DefaultTransport when nil).
	Transport  http.RoundTripper
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// GitHub stores each note as <NotesDir>/<id>.md in a repository, using the
// blob sha as the revision token.
type GitHub struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
	repo       string
	notesDir   string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	ownerMu sync.Mutex
	owner   string
}

// NewGitHub returns a GitHub NoteService. The token is used as a static
// bearer token; obtaining it is the caller's concern.
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errs.New(errs.InvalidArgument, "github token is required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = DefaultGitHubAPIURL
	}
	repo := strings.TrimSpace(cfg.Repo)
	if repo == "" {
		repo = DefaultGitHubRepo
	}
	notesDir := strings.Trim(strings.TrimSpace(cfg.NotesDir), "/")
	if notesDir == "" {
		notesDir = DefaultNotesDir
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	base := &http.Client{
		Transport: obs.NewAccessLogTransport("remote.github", cfg.Transport),
		Timeout:   timeout,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = timeout

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &GitHub{
		httpClient: httpClient,
		limiter:    limiter,
		apiURL:     apiURL,
		repo:       repo,
		notesDir:   notesDir,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		owner:      strings.TrimSpace(cfg.Owner),
	}, nil
}

// Repo returns the vault repository name.
func (g *GitHub) Repo() string { return g.repo }

// Owner returns the repository owner, resolving the token's login once.
func (g *GitHub) Owner(ctx context.Context) (string, error) {
	g.ownerMu.Lock()
	defer g.ownerMu.Unlock()
	if g.owner != "" {
		return g.owner, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/user", nil, nil, &user); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", errs.New(errs.Malformed, "github user response has no login")
	}
	g.owner = user.Login
	return g.owner, nil
}

// EnsureRepo reports whether the vault repository exists and was created by
// the notes app. With create set, a missing repository is created private.
func (g *GitHub) EnsureRepo(ctx context.Context, create bool) (RepoStatus, error) {
	type userRepo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	for page := 1; ; page++ {
		var repos []userRepo
		path := fmt.Sprintf("/user/repos?type=owner&per_page=100&page=%d", page)
		if err := g.doJSON(ctx, http.MethodGet, path, nil, nil, &repos); err != nil {
			return "", err
		}
		for _, r := range repos {
			if r.Name != g.repo {
				continue
			}
			if r.Description == VaultDescription {
				return RepoReady, nil
			}
			return RepoConflict, nil
		}
		if len(repos) < 100 {
			break
		}
	}
	if !create {
		return RepoNotFound, nil
	}

	body := map[string]any{
		"name":        g.repo,
		"description": VaultDescription,
		"private":     true,
	}
	if err := g.doJSON(ctx, http.MethodPost, "/user/repos", nil, body, nil); err != nil {
		return "", err
	}
	obs.From(ctx).Info("github_repo_created", "repo", g.repo)
	return RepoReady, nil
}

func (g *GitHub) contentsPath(ctx context.Context, name string) (string, error) {
	owner, err := g.Owner(ctx)
	if err != nil {
		return "", err
	}
	segments := strings.Split(g.notesDir, "/")
	if name != "" {
		segments = append(segments, name)
	}
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/repos/%s/%s/contents/%s", url.PathEscape(owner), url.PathEscape(g.repo), strings.Join(segments, "/")), nil
}

type contentFile struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// ListNotes lists <NotesDir>/*.md. A missing directory is an empty listing.
// The contents API returns at most 1000 entries per directory.
func (g *GitHub) ListNotes(ctx context.Context) ([]RemoteNote, error) {
	path, err := g.contentsPath(ctx, "")
	if err != nil {
		return nil, err
	}
	var entries []contentFile
	err = g.doJSON(ctx, http.MethodGet, path, nil, nil, &entries)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]RemoteNote, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" || !strings.HasSuffix(e.Name, ".md") {
			continue
		}
		out = append(out, RemoteNote{ID: strings.TrimSuffix(e.Name, ".md"), Revision: e.SHA})
	}
	return out, nil
}

// FetchNote downloads one note file.
func (g *GitHub) FetchNote(ctx context.Context, id string) (string, string, error) {
	path, err := g.contentsPath(ctx, id+".md")
	if err != nil {
		return "", "", err
	}
	var file contentFile
	if err := g.doJSON(ctx, http.MethodGet, path, nil, nil, &file); err != nil {
		return "", "", err
	}

	// Files over 1MB come back without inline content.
	if file.Encoding == "none" || (file.Content == "" && file.Encoding == "") {
		raw, _, err := g.do(ctx, http.MethodGet, path, map[string]string{"Accept": "application/vnd.github.raw+json"}, nil)
		if err != nil {
			return "", "", err
		}
		return string(raw), file.SHA, nil
	}
	if file.Encoding != "base64" {
		return "", "", errs.New(errs.Malformed, fmt.Sprintf("note %s has unsupported encoding %q", id, file.Encoding))
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", "", errs.Wrap(errs.Malformed, fmt.Sprintf("note %s content is not base64", id), err)
	}
	return string(decoded), file.SHA, nil
}

// UpsertNote creates the file when revision is empty and updates it
// otherwise. GitHub answers 409 or 422 for a stale or missing sha.
func (g *GitHub) UpsertNote(ctx context.Context, id, content, revision string) (string, error) {
	path, err := g.contentsPath(ctx, id+".md")
	if err != nil {
		return "", err
	}
	body := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha,omitempty"`
	}{
		Message: "upsert note " + id,
		Content: base64.StdEncoding.EncodeToString([]byte(content)),
		SHA:     revision,
	}
	var out struct {
		Content contentFile `json:"content"`
	}
	if err := g.doJSON(ctx, http.MethodPut, path, nil, body, &out); err != nil {
		return "", err
	}
	if out.Content.SHA == "" {
		return "", errs.New(errs.Malformed, fmt.Sprintf("github returned no sha for note %s", id))
	}
	return out.Content.SHA, nil
}

// DeleteNote removes the file at the given sha.
func (g *GitHub) DeleteNote(ctx context.Context, id, revision string) error {
	path, err := g.contentsPath(ctx, id+".md")
	if err != nil {
		return err
	}
	body := map[string]string{
		"message": "delete note " + id,
		"sha":     revision,
	}
	return g.doJSON(ctx, http.MethodDelete, path, nil, body, nil)
}

func (g *GitHub) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	payload, _, err := g.do(ctx, method, requestPath, headers, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.Wrap(errs.Malformed, fmt.Sprintf("github %s %s: invalid response", method, requestPath), err)
	}
	return nil
}

// do sends one API request, retrying network errors, 429, 5xx and rate
// limited 403 responses with Retry-After or exponential backoff.
func (g *GitHub) do(ctx context.Context, method, requestPath string, headers map[string]string, body any) ([]byte, http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.apiURL+requestPath, bodyReader)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if attempt < g.maxRetries {
				if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, nil, waitErr
				}
				continue
			}
			return nil, nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("github %s %s", method, requestPath), err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("github %s %s: read body", method, requestPath), readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, resp.Header, nil
		}

		retryable := retryableStatus(resp)
		if retryable && attempt < g.maxRetries {
			if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = logutil.TruncateForLog(string(payload), 200)
		}
		code := errs.FromHTTPStatus(resp.StatusCode)
		if retryable {
			code = errs.Unavailable
		}
		return nil, nil, errs.New(code, fmt.Sprintf("github %s %s: status=%d message=%s", method, requestPath, resp.StatusCode, message))
	}
}

func retryableStatus(resp *http.Response) bool {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return true
	case resp.StatusCode == http.StatusForbidden:
		// Secondary rate limits answer 403 with Retry-After or an exhausted quota.
		return resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"
	}
	return false
}

func (g *GitHub) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > g.maxDelay {
			return g.maxDelay
		}
		return retryAfter
	}
	delay := g.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.maxDelay {
			return g.maxDelay
		}
	}
	if delay > g.maxDelay {
		return g.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
