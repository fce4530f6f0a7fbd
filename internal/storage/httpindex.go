package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/brensch/panelpull/internal/util"
)

// HTTPIndexStore reads exports published as plain HTML directory listings.
// Keys are paths relative to the base URL ("p1/2024-01-01.zip"). A prefix
// is resolved as a directory under the base and its index page is parsed for
// links; each link is HEADed for Last-Modified and Content-Length. The whole
// listing is a single page.
type HTTPIndexStore struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// NewHTTPIndexStore uses util.DefaultHTTPClient and slog.Default when client or logger is nil.
func NewHTTPIndexStore(baseURL string, client *http.Client, logger *slog.Logger) (*HTTPIndexStore, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL %s: %w", baseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if client == nil {
		client = util.DefaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPIndexStore{base: base, client: client, logger: logger}, nil
}

func (s *HTTPIndexStore) ListPage(ctx context.Context, req ListRequest) (Page, error) {
	if req.Token != "" {
		return Page{}, fmt.Errorf("http index listings have a single page, got token %q", req.Token)
	}
	dir, namePrefix := splitPrefix(req.Prefix)
	var page Page
	if err := s.walk(ctx, dir, namePrefix, req.Delimiter, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// walk lists one index page. Without a delimiter subdirectories are descended into,
// matching an object store's flat recursive listing.
func (s *HTTPIndexStore) walk(ctx context.Context, dir, namePrefix, delimiter string, page *Page) error {
	indexURL := s.base.ResolveReference(&url.URL{Path: dir})
	l := s.logger.With(slog.String("index_url", indexURL.String()))
	l.Debug("Fetching index page.")

	links, err := s.indexLinks(ctx, indexURL)
	if err != nil {
		return err
	}
	for _, link := range links {
		ref, err := url.Parse(link)
		if err != nil {
			l.Warn("Skipping unparsable link.", "link", link, "error", err)
			continue
		}
		abs := indexURL.ResolveReference(ref)
		if abs.Host != indexURL.Host || !strings.HasPrefix(abs.Path, indexURL.Path) || abs.Path == indexURL.Path {
			continue
		}
		rel := strings.TrimPrefix(abs.Path, s.base.Path)
		name := strings.TrimPrefix(abs.Path, indexURL.Path)
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if delimiter != "" {
				page.CommonPrefixes = append(page.CommonPrefixes, rel)
				continue
			}
			if err := s.walk(ctx, rel, "", "", page); err != nil {
				return err
			}
			continue
		}
		obj, err := s.head(ctx, abs, rel)
		if err != nil {
			return err
		}
		page.Objects = append(page.Objects, obj)
	}
	return nil
}

func (s *HTTPIndexStore) indexLinks(ctx context.Context, indexURL *url.URL) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", indexURL, err)
	}
	resp, err := util.DoOK(s.client, req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexURL, err)
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML %s: %w", indexURL, err)
	}
	return util.ParseLinks(root, ""), nil
}

func (s *HTTPIndexStore) head(ctx context.Context, u *url.URL, key string) (RemoteObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return RemoteObject{}, fmt.Errorf("create request %s: %w", u, err)
	}
	resp, err := util.DoOK(s.client, req)
	if err != nil {
		return RemoteObject{}, err
	}
	resp.Body.Close()

	obj := RemoteObject{Key: key, Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t, err := http.ParseTime(lm)
		if err != nil {
			return RemoteObject{}, fmt.Errorf("parse Last-Modified %q for %s: %w", lm, key, err)
		}
		obj.LastModified = t.In(time.UTC)
	}
	return obj, nil
}

func (s *HTTPIndexStore) Fetch(ctx context.Context, key, destPath string) error {
	u := s.base.ResolveReference(&url.URL{Path: key})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request %s: %w", u, err)
	}
	resp, err := util.DoOK(s.client, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeToFile(resp.Body, destPath)
}

// splitPrefix separates "a/b/par" into the directory "a/b/" and the name prefix "par".
func splitPrefix(prefix string) (dir, name string) {
	prefix = strings.TrimPrefix(prefix, "/")
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i+1], prefix[i+1:]
	}
	return "", prefix
}
