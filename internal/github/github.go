package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/mirror"
)

const maxResponseBytes = 32 << 20

// Comparator decides whether published content already matches an update
type Comparator interface {
	Compare(entry config.Entry, existing, resolved string) bool
}

// contentsFile is the subset of the contents API file object we use
type contentsFile struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// Client implements mirror.Repository on top of the GitHub contents API
type Client struct {
	http       *http.Client
	apiURL     string
	user       string
	secret     string
	branch     string
	comparator Comparator
	logger     *slog.Logger
}

// NewClient creates a GitHub contents API client authenticating as user
// with secret (a personal access token).
func NewClient(httpClient *http.Client, apiURL, user, secret, branch string, comparator Comparator, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		http:       httpClient,
		apiURL:     strings.TrimRight(apiURL, "/"),
		user:       user,
		secret:     secret,
		branch:     branch,
		comparator: comparator,
		logger:     logger,
	}
}

// FileUpdate creates or updates payload.Path. When the published file
// already matches, nothing is written and the response is marked unchanged.
func (c *Client) FileUpdate(ctx context.Context, payload mirror.UpdatePayload) (mirror.UpdateResponse, error) {
	endpoint := c.contentsURL(payload.Repo, payload.Path)

	existing, found, resp, err := c.getFile(ctx, endpoint)
	if err != nil {
		return mirror.UpdateResponse{}, fmt.Errorf("failed to read %s: %w", payload.Path, err)
	}
	if resp != nil {
		return *resp, nil
	}

	if found && existing.Encoding == "base64" {
		published, err := decodeContent(existing.Content)
		if err != nil {
			c.logger.Warn("could not decode published content, updating anyway", "path", payload.Path, "error", err)
		} else if c.comparator.Compare(payload.Entry, published, payload.Content) {
			return mirror.UpdateResponse{
				Success:   true,
				Unchanged: true,
				Response:  "unchanged at " + existing.SHA,
			}, nil
		}
	}

	body := putRequest{
		Message: payload.Message,
		Content: base64.StdEncoding.EncodeToString([]byte(payload.Content)),
		Branch:  c.branch,
	}
	if found {
		body.SHA = existing.SHA
	}
	data, err := json.Marshal(body)
	if err != nil {
		return mirror.UpdateResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return mirror.UpdateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, raw, err := c.do(req)
	if err != nil {
		return mirror.UpdateResponse{}, fmt.Errorf("failed to update %s: %w", payload.Path, err)
	}

	return mirror.UpdateResponse{
		Success:  status == http.StatusOK || status == http.StatusCreated,
		Response: raw,
	}, nil
}

// getFile fetches the current file. A non-nil response means the API
// answered with an error that ends the update.
func (c *Client) getFile(ctx context.Context, endpoint string) (contentsFile, bool, *mirror.UpdateResponse, error) {
	getURL := endpoint
	if c.branch != "" {
		getURL += "?ref=" + url.QueryEscape(c.branch)
	}

	req, err := c.newRequest(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return contentsFile{}, false, nil, err
	}

	status, raw, err := c.do(req)
	if err != nil {
		return contentsFile{}, false, nil, err
	}

	switch status {
	case http.StatusOK:
		var file contentsFile
		if err := json.Unmarshal([]byte(raw), &file); err != nil {
			return contentsFile{}, false, nil, fmt.Errorf("failed to parse contents response: %w", err)
		}
		return file, true, nil, nil
	case http.StatusNotFound:
		return contentsFile{}, false, nil, nil
	default:
		return contentsFile{}, false, &mirror.UpdateResponse{Success: false, Response: raw}, nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.secret)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.user)
	return req, nil
}

func (c *Client) do(req *http.Request) (int, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(raw), nil
}

// contentsURL builds the contents endpoint, escaping each path segment
func (c *Client) contentsURL(repo, path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.apiURL + "/repos/" + repo + "/contents/" + strings.Join(segments, "/")
}

// decodeContent decodes the line-wrapped base64 the contents API returns
func decodeContent(s string) (string, error) {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
