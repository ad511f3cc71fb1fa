package maven

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no repository has the requested file.
var ErrNotFound = errors.New("not found")

// Repository is a remote (http/https) or local (file:// or directory)
// Maven repository.
type Repository struct {
	Name string
	URL  string
}

func (r Repository) local() (string, bool) {
	switch {
	case strings.HasPrefix(r.URL, "http://"), strings.HasPrefix(r.URL, "https://"):
		return "", false
	case strings.HasPrefix(r.URL, "file://"):
		u, err := url.Parse(r.URL)
		if err != nil {
			return strings.TrimPrefix(r.URL, "file://"), true
		}
		return u.Path, true
	default:
		return r.URL, true
	}
}

func (r Repository) fileURL(rel string) string {
	return strings.TrimSuffix(r.URL, "/") + "/" + rel
}

// Fetcher downloads repository files into a local cache. Remote requests
// are retried with back off on 5xx responses and connection errors.
type Fetcher struct {
	repos  []Repository
	cache  string
	client *retryablehttp.Client
	logger *zap.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRetries sets the retry budget and back off bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.client.RetryMax = max
		f.client.RetryWaitMin = waitMin
		f.client.RetryWaitMax = waitMax
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher over repos, consulted in order, caching into
// cacheDir.
func NewFetcher(repos []Repository, cacheDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		repos:  repos,
		cache:  cacheDir,
		client: newHTTPClient(),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func newHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryWaitMin = time.Second
	c.RetryWaitMax = 15 * time.Second
	c.RetryMax = 4
	c.Logger = nil
	return c
}

// Fetch returns the local path of the repository file rel, downloading it
// from the first repository that has it when it is not cached yet.
func (f *Fetcher) Fetch(ctx context.Context, rel string) (string, error) {
	dst, err := securejoin.SecureJoin(f.cache, rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	for _, repo := range f.repos {
		err := f.download(ctx, repo, rel, dst)
		if err == nil {
			f.logger.Debug("fetched", zap.String("repository", repo.Name), zap.String("path", rel))
			return dst, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("fetch %s from %s: %w", rel, repo.Name, err)
		}
	}
	return "", fmt.Errorf("%s: %w", rel, ErrNotFound)
}

// ReadAll reads rel from every repository that has it, bypassing the
// cache. It is used for metadata that differs between repositories.
func (f *Fetcher) ReadAll(ctx context.Context, rel string) ([][]byte, error) {
	var out [][]byte
	for _, repo := range f.repos {
		rc, err := f.open(ctx, repo, rel)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s from %s: %w", rel, repo.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return out, nil
}

func (f *Fetcher) open(ctx context.Context, repo Repository, rel string) (io.ReadCloser, error) {
	if dir, ok := repo.local(); ok {
		p, err := securejoin.SecureJoin(dir, rel)
		if err != nil {
			return nil, err
		}
		file, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return file, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, repo.fileURL(rel), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if code := resp.StatusCode; code != http.StatusOK {
		resp.Body.Close()
		if code == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GET %s: %s", repo.fileURL(rel), resp.Status)
	}
	return resp.Body, nil
}

func (f *Fetcher) download(ctx context.Context, repo Repository, rel, dst string) error {
	body, err := f.open(ctx, repo, rel)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy contents: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if !strings.HasSuffix(rel, ".sha1") {
		if err := f.verifySHA1(ctx, repo, rel, hex.EncodeToString(h.Sum(nil))); err != nil {
			return err
		}
	}
	return os.Rename(tmp.Name(), dst)
}

// verifySHA1 checks the .sha1 sidecar when the repository publishes one.
func (f *Fetcher) verifySHA1(ctx context.Context, repo Repository, rel, sum string) error {
	rc, err := f.open(ctx, repo, rel+".sha1")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return err
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return nil
	}
	if want := strings.ToLower(fields[0]); want != sum {
		return fmt.Errorf("checksum mismatch for %s: computed sha1 %s, repository advertises %s", rel, sum, want)
	}
	return nil
}

// FileDigest computes the canonical content digest of a file.
func FileDigest(path string) (digest.Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return digest.Canonical.FromReader(file)
}
