package maven

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"paperpack/internal/archive"
)

// Target is a repository to publish into.
type Target struct {
	URL      string
	Username string
	Password string
}

// Publication is one artifact with the descriptor published beside it.
type Publication struct {
	Coordinate   Coordinate
	File         string
	Name         string
	Dependencies []Coordinate
}

// Publisher uploads artifacts into a local directory repository or over
// HTTP PUT.
type Publisher struct {
	client *retryablehttp.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: newHTTPClient(), logger: logger, now: time.Now}
}

// Publish writes the artifact, its POM and the updated maven-metadata.xml,
// each followed by .sha1, .md5 and .sha256 sidecars. It returns the
// repository-relative paths written.
func (p *Publisher) Publish(ctx context.Context, t Target, pub Publication) ([]string, error) {
	data, err := os.ReadFile(pub.File)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	pom, err := p.pom(pub)
	if err != nil {
		return nil, err
	}
	st := p.store(t)
	meta, err := p.metadata(ctx, st, pub.Coordinate)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, f := range []repoFile{
		{pub.Coordinate.Path(), data},
		{pub.Coordinate.POM().Path(), pom},
		{pub.Coordinate.MetadataPath(), meta},
	} {
		for _, s := range append([]repoFile{f}, sidecars(f)...) {
			if err := st.put(ctx, s.rel, s.data); err != nil {
				return written, fmt.Errorf("publish %s: %w", s.rel, err)
			}
			written = append(written, s.rel)
		}
		p.logger.Info("published", zap.String("path", f.rel), zap.Int("bytes", len(f.data)))
	}
	return written, nil
}

type repoFile struct {
	rel  string
	data []byte
}

func sidecars(f repoFile) []repoFile {
	s1 := sha1.Sum(f.data)
	m5 := md5.Sum(f.data)
	return []repoFile{
		{f.rel + ".sha1", []byte(hex.EncodeToString(s1[:]))},
		{f.rel + ".md5", []byte(hex.EncodeToString(m5[:]))},
		{f.rel + ".sha256", []byte(digest.FromBytes(f.data).Encoded())},
	}
}

type publishedDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Classifier string `xml:"classifier,omitempty"`
	Scope      string `xml:"scope"`
}

type publishedPOM struct {
	XMLName      xml.Name              `xml:"project"`
	Xmlns        string                `xml:"xmlns,attr"`
	ModelVersion string                `xml:"modelVersion"`
	GroupID      string                `xml:"groupId"`
	ArtifactID   string                `xml:"artifactId"`
	Version      string                `xml:"version"`
	Name         string                `xml:"name,omitempty"`
	Dependencies []publishedDependency `xml:"dependencies>dependency,omitempty"`
}

func (p *Publisher) pom(pub Publication) ([]byte, error) {
	doc := publishedPOM{
		Xmlns:        "http://maven.apache.org/POM/4.0.0",
		ModelVersion: "4.0.0",
		GroupID:      pub.Coordinate.Group,
		ArtifactID:   pub.Coordinate.Artifact,
		Version:      pub.Coordinate.Version,
		Name:         pub.Name,
	}
	for _, d := range pub.Dependencies {
		doc.Dependencies = append(doc.Dependencies, publishedDependency{
			GroupID:    d.Group,
			ArtifactID: d.Artifact,
			Version:    d.Version,
			Classifier: d.Classifier,
			Scope:      "runtime",
		})
	}
	return marshalXML(doc)
}

func (p *Publisher) metadata(ctx context.Context, st store, c Coordinate) ([]byte, error) {
	m := &Metadata{GroupID: c.Group, ArtifactID: c.Artifact}
	existing, err := st.get(ctx, c.MetadataPath())
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read existing metadata: %w", err)
	default:
		if m, err = ParseMetadata(existing); err != nil {
			return nil, err
		}
	}
	m.AddVersion(c.Version)
	m.Versioning.Latest = c.Version
	if !strings.HasSuffix(c.Version, "-SNAPSHOT") {
		m.Versioning.Release = c.Version
	}
	m.Versioning.LastUpdated = p.now().UTC().Format("20060102150405")
	return marshalXML(m)
}

func marshalXML(v any) ([]byte, error) {
	b, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

// store is the write side of a repository.
type store interface {
	get(ctx context.Context, rel string) ([]byte, error)
	put(ctx context.Context, rel string, data []byte) error
}

func (p *Publisher) store(t Target) store {
	if dir, ok := (Repository{URL: t.URL}).local(); ok {
		return dirStore{root: dir}
	}
	return &httpStore{target: t, client: p.client}
}

type dirStore struct {
	root string
}

func (s dirStore) get(_ context.Context, rel string) ([]byte, error) {
	path, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s dirStore) put(_ context.Context, rel string, data []byte) error {
	path, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return err
	}
	return archive.WriteFileAtomic(path, data, 0o644)
}

type httpStore struct {
	target Target
	client *retryablehttp.Client
}

func (s *httpStore) request(ctx context.Context, method, rel string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, Repository{URL: s.target.URL}.fileURL(rel), rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new request: %w", err)
	}
	if s.target.Username != "" || s.target.Password != "" {
		req.SetBasicAuth(s.target.Username, s.target.Password)
	}
	return s.client.Do(req)
}

func (s *httpStore) get(ctx context.Context, rel string) ([]byte, error) {
	resp, err := s.request(ctx, http.MethodGet, rel, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", rel, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *httpStore) put(ctx context.Context, rel string, data []byte) error {
	resp, err := s.request(ctx, http.MethodPut, rel, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("PUT %s: %s", rel, resp.Status)
	}
}
