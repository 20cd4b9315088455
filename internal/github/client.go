// Package github translates domain operations into GitHub REST calls:
// contents reads/writes with sha-based optimistic concurrency, repository
// dispatches that trigger the automation pipeline, and issue creation as
// the human-visible fallback transport. All traffic flows through the
// rate limiter and carries a rotated credential.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eventcall/relay/internal/credentials"
	"github.com/eventcall/relay/internal/csrf"
	"github.com/eventcall/relay/internal/ratelimit"
)

const acceptHeader = "application/vnd.github.v3+json"

// ErrWriteConflict reports a sha mismatch that survived one
// refetch-and-retry round.
var ErrWriteConflict = errors.New("github: write conflict")

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: api error %d: %s", e.StatusCode, e.Message)
}

// Options configures a gateway client.
type Options struct {
	APIBaseURL string
	Owner      string
	Repo       string
	DataRepo   string
	ImageRepo  string
	Branch     string
	// Origin and Referer are stamped into dispatch envelopes; Origin also
	// drives the loopback guard.
	Origin             string
	Referer            string
	AllowLocalDispatch bool
	Retry              ratelimit.RetryPolicy
	Limiter            *ratelimit.Limiter
	Credentials        *credentials.Rotator
	CSRF               *csrf.Manager
	Logger             *slog.Logger
}

type Client struct {
	baseURL            string
	owner              string
	repos              map[Repo]string
	branch             string
	origin             string
	referer            string
	allowLocalDispatch bool
	retry              ratelimit.RetryPolicy
	limiter            *ratelimit.Limiter
	creds              *credentials.Rotator
	csrf               *csrf.Manager
	log                *slog.Logger
}

func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dataRepo := opts.DataRepo
	if dataRepo == "" {
		dataRepo = opts.Repo
	}
	imageRepo := opts.ImageRepo
	if imageRepo == "" {
		imageRepo = dataRepo
	}
	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}
	return &Client{
		baseURL: strings.TrimRight(opts.APIBaseURL, "/"),
		owner:   opts.Owner,
		repos: map[Repo]string{
			RepoMain:   opts.Repo,
			RepoData:   dataRepo,
			RepoImages: imageRepo,
		},
		branch:             branch,
		origin:             opts.Origin,
		referer:            opts.Referer,
		allowLocalDispatch: opts.AllowLocalDispatch,
		retry:              opts.Retry,
		limiter:            opts.Limiter,
		creds:              opts.Credentials,
		csrf:               opts.CSRF,
		log:                log,
	}
}

// ReadContent fetches and decodes a file. A missing path is reported as
// (nil, nil), not an error.
func (c *Client) ReadContent(ctx context.Context, repo Repo, path string) (*FileRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, c.contentsURL(repo, path)+"?ref="+url.QueryEscape(c.branch), nil, false, KeyContents)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode contents response: %w", err)
	}
	decoded, err := decodeBase64(parsed.Content)
	if err != nil {
		return nil, fmt.Errorf("decode blob for %s: %w", path, err)
	}
	return &FileRecord{Content: decoded, SHA: parsed.SHA}, nil
}

// ReadDir lists a directory through the contents API. A missing directory
// yields an empty listing.
func (c *Client) ReadDir(ctx context.Context, repo Repo, path string) ([]DirEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, c.contentsURL(repo, path)+"?ref="+url.QueryEscape(c.branch), nil, false, KeyContents)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed []struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode directory listing: %w", err)
	}
	entries := make([]DirEntry, 0, len(parsed))
	for _, entry := range parsed {
		entries = append(entries, DirEntry{Name: entry.Name, Path: entry.Path, Type: entry.Type, SHA: entry.SHA})
	}
	return entries, nil
}

// WriteContent creates or updates a file. An existing file's sha is
// looked up first so the remote store can detect concurrent writes; on a
// conflict the sha is refetched and the write retried once before
// ErrWriteConflict is surfaced.
func (c *Client) WriteContent(ctx context.Context, repo Repo, path string, content []byte, desc string) error {
	existing, err := c.ReadContent(ctx, repo, path)
	if err != nil {
		return err
	}
	sha := ""
	if existing != nil {
		sha = existing.SHA
	}

	err = c.putContent(ctx, repo, path, content, desc, sha)
	if !errors.Is(err, ErrWriteConflict) {
		return err
	}

	c.log.Warn("write conflict, refetching sha", "path", path)
	refetched, rerr := c.ReadContent(ctx, repo, path)
	if rerr != nil {
		return rerr
	}
	sha = ""
	if refetched != nil {
		sha = refetched.SHA
	}
	return c.putContent(ctx, repo, path, content, desc, sha)
}

func (c *Client) putContent(ctx context.Context, repo Repo, path string, content []byte, desc, sha string) error {
	action := "Create"
	if sha != "" {
		action = "Update"
	}
	body := map[string]any{
		"message": action + " " + desc,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  c.branch,
	}
	if sha != "" {
		body["sha"] = sha
	}
	if c.csrf != nil {
		body["csrf_token"] = c.csrf.Token()
	}

	resp, err := c.do(ctx, http.MethodPut, c.contentsURL(repo, path), body, true, KeyContents)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("put %s: %w", path, ErrWriteConflict)
	}
	return checkStatus(resp)
}

// DeleteContent removes a file. An absent path is a no-op, not an error.
func (c *Client) DeleteContent(ctx context.Context, repo Repo, path, desc string) error {
	existing, err := c.ReadContent(ctx, repo, path)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	body := map[string]any{
		"message": "Delete " + desc,
		"sha":     existing.SHA,
		"branch":  c.branch,
	}
	if c.csrf != nil {
		body["csrf_token"] = c.csrf.Token()
	}
	resp, err := c.do(ctx, http.MethodDelete, c.contentsURL(repo, path), body, true, KeyContents)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// DispatchWorkflow posts a repository-dispatch event wrapping the domain
// payload in a stable envelope with request metadata. When the running
// origin is a loopback host and the override flag is unset, the dispatch
// is skipped and reported as a synthetic success so local development
// never writes to the real store.
func (c *Client) DispatchWorkflow(ctx context.Context, eventType string, payload any) error {
	if c.isLoopbackOrigin() && !c.allowLocalDispatch {
		c.log.Info("skipping dispatch from loopback origin", "event_type", eventType)
		return nil
	}
	// An unconfigured origin fails closed, matching the allow-list
	// semantics where an empty list admits nothing.
	if !c.isLoopbackOrigin() && c.csrf != nil && !c.csrf.OriginAllowed(c.origin) {
		return csrf.ErrOriginRejected
	}

	envelope := map[string]any{
		"data":      payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"origin":    c.origin,
		"referer":   c.referer,
	}
	if c.csrf != nil {
		envelope["csrf_token"] = c.csrf.Token()
	}
	body := map[string]any{
		"event_type":     eventType,
		"client_payload": envelope,
	}

	resp, err := c.do(ctx, http.MethodPost, c.repoURL(RepoMain, "dispatches"), body, true, KeyDispatch)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// CreateIssue opens an issue on the main repository and returns its
// number. Issues are the fallback transport: human-visible where a
// dispatch only triggers automation.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	payload := map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	if c.csrf != nil {
		payload["csrf_token"] = c.csrf.Token()
	}
	resp, err := c.do(ctx, http.MethodPost, c.repoURL(RepoMain, "issues"), payload, true, KeyIssues)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	var parsed struct {
		Number int `json:"number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode issue response: %w", err)
	}
	return parsed.Number, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any, mutating bool, endpointKey string) (*http.Response, error) {
	token, err := c.creds.Current()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "token "+token)
	header.Set("Accept", acceptHeader)

	var encoded []byte
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}
	if mutating && c.csrf != nil {
		header.Set("X-CSRF-Token", c.csrf.Token())
	}

	return c.limiter.Do(ctx, ratelimit.Request{
		Method: method,
		URL:    rawURL,
		Header: header,
		Body:   encoded,
	}, ratelimit.Options{
		EndpointKey: endpointKey,
		Retry:       c.retry,
	})
}

func (c *Client) contentsURL(repo Repo, path string) string {
	return c.repoURL(repo, "contents/"+escapePath(path))
}

func (c *Client) repoURL(repo Repo, suffix string) string {
	name := c.repos[repo]
	if name == "" {
		name = c.repos[RepoMain]
	}
	return fmt.Sprintf("%s/repos/%s/%s/%s", c.baseURL, c.owner, name, suffix)
}

func (c *Client) isLoopbackOrigin() bool {
	parsed, err := url.Parse(c.origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return false
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// decodeBase64 tolerates the newline wrapping GitHub applies to blob
// content.
func decodeBase64(encoded string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, encoded)
	return base64.StdEncoding.DecodeString(cleaned)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	message := resp.Status
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
