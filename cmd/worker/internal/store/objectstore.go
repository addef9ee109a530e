package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/houzhh15/meeting-worker/cmd/worker/internal/joberr"
	"github.com/houzhh15/meeting-worker/cmd/worker/internal/models"
)

// ObjectStoreConfig configures HTTPObjectStore.
type ObjectStoreConfig struct {
	// BaseURL is joined with audio references that are plain object keys.
	BaseURL string `yaml:"base_url"`

	// SigningKey signs download tokens (HS256). Empty disables signing.
	SigningKey string        `yaml:"signing_key"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Issuer     string        `yaml:"issuer"`

	Timeout time.Duration `yaml:"timeout"`

	// LocalRoot is the only directory file:// and absolute-path references
	// may read from. Empty disables local references.
	LocalRoot string `yaml:"local_root"`

	// OAuth2 authenticates requests with the client credentials grant
	// when TokenURL is set.
	OAuth2 OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config holds client credentials for the object store.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// DownloadClaims are carried by a signed download URL.
type DownloadClaims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

// HTTPObjectStore resolves audio references to URLs and downloads them.
//
// Reference forms:
//   - http(s)://... URLs are used as-is
//   - file://... URLs and absolute paths must lie under LocalRoot
//   - anything else is an object key under BaseURL, signed with a
//     short-lived token in the "token" query parameter
type HTTPObjectStore struct {
	cfg        ObjectStoreConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPObjectStore creates an object store client.
func NewHTTPObjectStore(cfg ObjectStoreConfig, logger *slog.Logger) *HTTPObjectStore {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.OAuth2.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		client = cc.Client(context.Background())
		client.Timeout = cfg.Timeout
	}

	return &HTTPObjectStore{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "object_store"),
		now:        time.Now,
	}
}

// ResolveURL implements ObjectStore.
func (o *HTTPObjectStore) ResolveURL(ctx context.Context, job models.Job) (string, error) {
	ref := strings.TrimSpace(job.AudioRef)
	switch {
	case ref == "":
		return "", joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "job has no audio reference", nil)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref, nil
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "invalid audio URL", err)
		}
		if err := o.checkLocal(filepath.Clean(u.Path)); err != nil {
			return "", err
		}
		return ref, nil
	case filepath.IsAbs(ref):
		p := filepath.Clean(ref)
		if err := o.checkLocal(p); err != nil {
			return "", err
		}
		return (&url.URL{Scheme: "file", Path: p}).String(), nil
	}

	if o.cfg.BaseURL == "" {
		return "", joberr.Fatal(joberr.DOWNLOAD_FAILED, "object key "+ref+" needs a configured base URL", nil)
	}
	key := strings.TrimLeft(ref, "/")
	u, err := url.Parse(o.cfg.BaseURL + "/" + escapeKey(key))
	if err != nil {
		return "", joberr.Fatal(joberr.DOWNLOAD_FAILED, "invalid object URL", err)
	}

	if o.cfg.SigningKey != "" {
		token, err := o.signDownload(key, job.ID)
		if err != nil {
			return "", joberr.Fatal(joberr.DOWNLOAD_FAILED, "failed to sign download URL", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (o *HTTPObjectStore) signDownload(key, jobID string) (string, error) {
	now := o.now()
	claims := DownloadClaims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			Issuer:    o.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(o.cfg.TokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(o.cfg.SigningKey))
}

// ParseDownloadToken verifies a token minted by ResolveURL for key. Storage
// front ends use it to authorize the download.
func ParseDownloadToken(tokenStr, key, signingKey string) (*DownloadClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &DownloadClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(key), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*DownloadClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid download token")
	}
	return claims, nil
}

// Download implements ObjectStore. The object is written to a temporary
// file next to dst and renamed once complete.
//
// Error mapping:
//   - missing object (file not found, HTTP 403/404/410): input-invalid
//   - timeouts, connection failures, HTTP 429 and 5xx: transient
//   - anything else: fatal
func (o *HTTPObjectStore) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "invalid audio URL", err)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "file":
		path, err := o.openableLocal(u.Path)
		if err != nil {
			return 0, err
		}
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return 0, joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "audio file not found: "+u.Path, err)
		}
		if err != nil {
			return 0, joberr.Fatal(joberr.DOWNLOAD_FAILED, "failed to open audio file", err)
		}
		body = f
	case "http", "https":
		body, err = o.get(ctx, u)
		if err != nil {
			return 0, err
		}
	default:
		return 0, joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "unsupported URL scheme "+u.Scheme, nil)
	}
	defer body.Close()

	n, err := writeAtomically(dst, body)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return 0, joberr.Transient(joberr.DOWNLOAD_FAILED, "download interrupted", err)
		}
		return 0, joberr.Fatal(joberr.DOWNLOAD_FAILED, "failed to store download", err)
	}

	o.logger.Debug("download finished", "scheme", u.Scheme, "bytes", n, "dst", dst)
	return n, nil
}

// checkLocal rejects paths outside LocalRoot without touching the disk.
func (o *HTTPObjectStore) checkLocal(path string) error {
	if o.cfg.LocalRoot == "" {
		return joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "local audio references are disabled", nil)
	}
	if !within(filepath.Clean(o.cfg.LocalRoot), path) {
		return joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "audio path is outside the local audio root: "+path, nil)
	}
	return nil
}

// openableLocal resolves symlinks on both sides before the root check, so a
// link inside the root cannot point outside it.
func (o *HTTPObjectStore) openableLocal(raw string) (string, error) {
	path := filepath.Clean(raw)
	if err := o.checkLocal(path); err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "audio file not found: "+path, err)
	}
	if err != nil {
		return "", joberr.Fatal(joberr.DOWNLOAD_FAILED, "failed to resolve audio path", err)
	}
	root, err := filepath.EvalSymlinks(o.cfg.LocalRoot)
	if err != nil {
		return "", joberr.Fatal(joberr.DOWNLOAD_FAILED, "local audio root is not accessible", err)
	}
	if !within(root, resolved) {
		return "", joberr.InputInvalid(joberr.DOWNLOAD_FAILED, "audio path is outside the local audio root: "+path, nil)
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (o *HTTPObjectStore) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, joberr.Fatal(joberr.DOWNLOAD_FAILED, "failed to create download request", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, joberr.Transient(joberr.DOWNLOAD_FAILED, "download request failed", err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := fmt.Sprintf("object store returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusForbidden:
		return nil, joberr.InputInvalid(joberr.DOWNLOAD_FAILED, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return nil, joberr.Transient(joberr.DOWNLOAD_FAILED, msg, nil)
	default:
		return nil, joberr.Fatal(joberr.DOWNLOAD_FAILED, msg, nil)
	}
}

func writeAtomically(dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
