package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mega-emu/relgate/pkg/config"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func githubTestConfig(apiBase string) config.GitHubConfig {
	return config.GitHubConfig{
		Owner:          "mega-emu",
		Repo:           "core",
		Token:          "test-token",
		APIBase:        apiBase,
		RequestsPerSec: 200,
	}
}

func TestNewGitHubValidation(t *testing.T) {
	_, err := NewGitHub(config.GitHubConfig{Repo: "core", Token: "t"})
	require.Error(t, err)

	_, err = NewGitHub(config.GitHubConfig{Owner: "mega-emu", Repo: "core"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "token or complete app credentials")

	_, err = NewGitHub(config.GitHubConfig{Owner: "mega-emu", Repo: "core", Token: "t"})
	require.NoError(t, err)
}

func TestGitHubPublishCreatesReleaseAndUploads(t *testing.T) {
	var (
		mu       sync.Mutex
		uploads  []string
		creates  int
		tagGets  int
		uploaded map[string]string
	)
	uploaded = make(map[string]string)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repos/mega-emu/core/releases/tags/"):
			mu.Lock()
			tagGets++
			mu.Unlock()
			http.NotFound(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/mega-emu/core/releases":
			mu.Lock()
			creates++
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": 7, "tag_name": "v1.2.0", "upload_url": %q}`,
				srv.URL+"/uploads/7{?name,label}")
		case r.Method == http.MethodPost && r.URL.Path == "/uploads/7":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploads = append(uploads, r.URL.Query().Get("name"))
			uploaded[r.URL.Query().Get("name")] = string(body)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 1}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	art := Artifact{
		Path: writeTempFile(t, dir, "demo.tar.gz", "artifact-bytes"),
		Name: "demo.tar.gz",
		Extra: []string{
			writeTempFile(t, dir, "demo.tar.gz.sha256", "aa  demo.tar.gz\n"),
			writeTempFile(t, dir, "demo.tar.gz.sha512", "bb  demo.tar.gz\n"),
			writeTempFile(t, dir, "demo.tar.gz.sig", "sig-bytes"),
		},
	}

	gh, err := NewGitHub(githubTestConfig(srv.URL))
	require.NoError(t, err)

	rel := Release{Version: "1.2.0", Title: "Mega 1.2.0", Notes: "notes"}
	require.NoError(t, gh.Publish(context.Background(), rel, art))

	require.Equal(t, 1, tagGets)
	require.Equal(t, 1, creates)
	require.Equal(t, []string{"demo.tar.gz", "demo.tar.gz.sha256", "demo.tar.gz.sha512", "demo.tar.gz.sig"}, uploads)
	require.Equal(t, "artifact-bytes", uploaded["demo.tar.gz"])

	// Second artifact for the same release reuses the cached release.
	second := Artifact{Path: writeTempFile(t, dir, "extras.zip", "zip-bytes"), Name: "extras.zip"}
	require.NoError(t, gh.Publish(context.Background(), rel, second))
	require.Equal(t, 1, tagGets)
	require.Equal(t, 1, creates)
}

func TestGitHubPublishReusesExistingRelease(t *testing.T) {
	var creates int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repos/mega-emu/core/releases/tags/"):
			fmt.Fprintf(w, `{"id": 42, "tag_name": "v2.0.0", "upload_url": %q}`,
				srv.URL+"/uploads/42{?name,label}")
		case r.Method == http.MethodPost && r.URL.Path == "/uploads/42":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 1}`)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/mega-emu/core/releases":
			creates++
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 42}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	art := Artifact{Path: writeTempFile(t, dir, "demo.tar.gz", "x"), Name: "demo.tar.gz"}

	gh, err := NewGitHub(githubTestConfig(srv.URL))
	require.NoError(t, err)
	require.NoError(t, gh.Publish(context.Background(), Release{Version: "2.0.0"}, art))
	require.Zero(t, creates)
}

func TestGitHubAssetConflict(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			fmt.Fprintf(w, `{"id": 42, "tag_name": "v2.0.0", "upload_url": %q}`,
				srv.URL+"/uploads/42{?name,label}")
		case r.Method == http.MethodPost && r.URL.Path == "/uploads/42":
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message": "Validation Failed"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	art := Artifact{Path: writeTempFile(t, dir, "demo.tar.gz", "x"), Name: "demo.tar.gz"}

	gh, err := NewGitHub(githubTestConfig(srv.URL))
	require.NoError(t, err)

	err = gh.Publish(context.Background(), Release{Version: "2.0.0"}, art)
	require.Error(t, err)
	require.Contains(t, err.Error(), `asset "demo.tar.gz" already exists`)
}

func TestGitHubAppTokenFlow(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	dir := t.TempDir()
	keyPath := writeTempFile(t, dir, "app.pem", string(keyPEM))

	var tokenCalls int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/app/installations/4242/access_tokens":
			tokenCalls++
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.Count(auth, ".") != 2 {
				t.Errorf("expected a JWT bearer, got %q", auth)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"token": "installation-token", "expires_at": %q}`,
				time.Now().Add(time.Hour).Format(time.RFC3339))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repos/"):
			if got := r.Header.Get("Authorization"); got != "Bearer installation-token" {
				t.Errorf("expected installation token, got %q", got)
			}
			fmt.Fprintf(w, `{"id": 9, "tag_name": "v3.0.0", "upload_url": %q}`,
				srv.URL+"/uploads/9{?name,label}")
		case r.Method == http.MethodPost && r.URL.Path == "/uploads/9":
			if got := r.Header.Get("Authorization"); got != "Bearer installation-token" {
				t.Errorf("expected installation token, got %q", got)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 1}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()

	gh, err := NewGitHub(config.GitHubConfig{
		Owner:             "mega-emu",
		Repo:              "core",
		APIBase:           srv.URL,
		AppID:             "314159",
		AppKeyPath:        keyPath,
		AppInstallationID: "4242",
		RequestsPerSec:    200,
	})
	require.NoError(t, err)

	art := Artifact{
		Path:  writeTempFile(t, dir, "demo.tar.gz", "x"),
		Name:  "demo.tar.gz",
		Extra: []string{writeTempFile(t, dir, "demo.tar.gz.sig", "s")},
	}
	require.NoError(t, gh.Publish(context.Background(), Release{Version: "3.0.0"}, art))

	// One exchange serves the release lookup and both uploads.
	require.Equal(t, 1, tokenCalls)
}

func TestUploadEndpoint(t *testing.T) {
	got := uploadEndpoint("https://uploads.github.test/repos/o/r/releases/7/assets{?name,label}", "demo file.tar.gz")
	require.Equal(t, "https://uploads.github.test/repos/o/r/releases/7/assets?name=demo+file.tar.gz", got)

	got = uploadEndpoint("https://uploads.github.test/assets", "a.zip")
	require.Equal(t, "https://uploads.github.test/assets?name=a.zip", got)
}
