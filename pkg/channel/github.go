package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/mega-emu/relgate/pkg/config"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHub publishes release assets through the REST API. It reuses an
// existing release for the tag when one is already there and creates
// it otherwise. Authentication is either a plain token or a GitHub App
// installation.
type GitHub struct {
	cfg        config.GitHubConfig
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu           sync.Mutex
	releases     map[string]*ghRelease
	installToken string
	tokenExpiry  time.Time
}

type ghRelease struct {
	ID        int64  `json:"id"`
	TagName   string `json:"tag_name"`
	UploadURL string `json:"upload_url"`
	HTMLURL   string `json:"html_url"`
}

func NewGitHub(cfg config.GitHubConfig) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("channel: github owner and repo are required")
	}
	if cfg.Token == "" && (cfg.AppID == "" || cfg.AppKeyPath == "" || cfg.AppInstallationID == "") {
		return nil, errors.New("channel: github needs a token or complete app credentials")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultGitHubAPI
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	return &GitHub{
		cfg:        cfg,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		limiter:    rate.NewLimiter(rate.Limit(rps), 3),
		logger:     slog.Default().With("component", "channel.github"),
		releases:   make(map[string]*ghRelease),
	}, nil
}

func (g *GitHub) Name() string { return "github" }

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (g *GitHub) WithHTTPClient(c *http.Client) *GitHub {
	g.httpClient = c
	return g
}

func (g *GitHub) Publish(ctx context.Context, rel Release, art Artifact) error {
	release, err := g.ensureRelease(ctx, rel)
	if err != nil {
		return err
	}
	for _, path := range art.Files() {
		if err := g.uploadAsset(ctx, release, path, displayName(art, path)); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitHub) ensureRelease(ctx context.Context, rel Release) (*ghRelease, error) {
	tag := rel.TagName()

	g.mu.Lock()
	cached, ok := g.releases[tag]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := g.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", g.apiBase, g.cfg.Owner, g.cfg.Repo, url.PathEscape(tag)), nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var release ghRelease
		if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
			return nil, fmt.Errorf("channel: github release decode: %w", err)
		}
		g.cacheRelease(tag, &release)
		return &release, nil
	case http.StatusNotFound:
		return g.createRelease(ctx, rel)
	default:
		return nil, fmt.Errorf("channel: github lookup for tag %s: %s", tag, respError(resp))
	}
}

func (g *GitHub) createRelease(ctx context.Context, rel Release) (*ghRelease, error) {
	tag := rel.TagName()
	title := rel.Title
	if title == "" {
		title = tag
	}
	body, err := json.Marshal(map[string]any{
		"tag_name": tag,
		"name":     title,
		"body":     rel.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: github create payload: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repos/%s/%s/releases", g.apiBase, g.cfg.Owner, g.cfg.Repo),
		bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("channel: github create release %s: %s", tag, respError(resp))
	}
	var release ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("channel: github release decode: %w", err)
	}
	g.cacheRelease(tag, &release)
	g.logger.InfoContext(ctx, "created release", "tag", tag, "url", release.HTMLURL)
	return &release, nil
}

func (g *GitHub) cacheRelease(tag string, r *ghRelease) {
	g.mu.Lock()
	g.releases[tag] = r
	g.mu.Unlock()
}

func (g *GitHub) uploadAsset(ctx context.Context, release *ghRelease, path, name string) error {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from the operator's own release directory.
	if err != nil {
		return fmt.Errorf("channel: github open asset: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("channel: github stat asset: %w", err)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := g.authToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadEndpoint(release.UploadURL, name), f)
	if err != nil {
		return fmt.Errorf("channel: github upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("channel: github upload %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusUnprocessableEntity:
		// Assets are immutable once published; an existing name means
		// a previous run already placed different or identical bytes
		// there. Refuse rather than guess.
		return fmt.Errorf("channel: github asset %q already exists on %s", name, release.TagName)
	default:
		return fmt.Errorf("channel: github upload %s: %s", name, respError(resp))
	}
}

// do issues an API request with auth and rate limiting applied.
func (g *GitHub) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string) (*http.Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := g.authToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("channel: github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel: github request: %w", err)
	}
	return resp, nil
}

// authToken returns the configured token, or exchanges App credentials
// for a cached installation token.
func (g *GitHub) authToken(ctx context.Context) (string, error) {
	if g.cfg.Token != "" {
		return g.cfg.Token, nil
	}

	g.mu.Lock()
	if g.installToken != "" && time.Now().Before(g.tokenExpiry) {
		token := g.installToken
		g.mu.Unlock()
		return token, nil
	}
	g.mu.Unlock()

	appJWT, err := g.appJWT()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%s/access_tokens", g.apiBase, g.cfg.AppInstallationID), nil)
	if err != nil {
		return "", fmt.Errorf("channel: github app token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("channel: github app token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("channel: github app token: %s", respError(resp))
	}
	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("channel: github app token decode: %w", err)
	}

	g.mu.Lock()
	g.installToken = payload.Token
	g.tokenExpiry = payload.ExpiresAt.Add(-time.Minute)
	g.mu.Unlock()
	return payload.Token, nil
}

// appJWT builds the short-lived RS256 JWT a GitHub App authenticates
// with. Issued-at is backdated to tolerate clock skew.
func (g *GitHub) appJWT() (string, error) {
	keyPEM, err := os.ReadFile(g.cfg.AppKeyPath) //nolint:gosec // G304: key path comes from configuration.
	if err != nil {
		return "", fmt.Errorf("channel: github app key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("channel: github app key parse: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    g.cfg.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// uploadEndpoint expands the hypermedia upload_url template.
func uploadEndpoint(uploadURL, name string) string {
	if i := strings.Index(uploadURL, "{"); i >= 0 {
		uploadURL = uploadURL[:i]
	}
	return uploadURL + "?name=" + url.QueryEscape(name)
}

func respError(resp *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, text)
}
