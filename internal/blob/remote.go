package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"census/pkg/platform/sentinel"
)

// metaHeaderPrefix carries object metadata as HTTP headers on the remote
// backend. Header names are canonicalised, so metadata keys round-trip through
// a lowercase mapping kept in the store.
const metaHeaderPrefix = "X-Blob-Meta-"

// Remote talks to the object-storage gateway over HTTP. Objects are addressed
// as <base>/<bucket>/<name>; metadata travels in X-Blob-Meta-* headers.
type Remote struct {
	base   string
	client *http.Client
}

// NewRemote builds a remote store against baseURL. A nil client gets a
// 30-second default; blob fetches are large but bounded.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Remote{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *Remote) Get(ctx context.Context, name, bucket string) ([]byte, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(name, bucket), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build blob request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch blob %s/%s: %w", bucket, name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("blob %s/%s: %w", bucket, name, sentinel.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, nil, fmt.Errorf("fetch blob %s/%s: status %d: %w", bucket, name, resp.StatusCode, sentinel.ErrUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read blob body %s/%s: %w", bucket, name, err)
	}

	metadata := map[string]string{}
	for header, values := range resp.Header {
		if strings.HasPrefix(header, metaHeaderPrefix) && len(values) > 0 {
			metadata[metaKeyFromHeader(header)] = values[0]
		}
	}
	return data, metadata, nil
}

func (r *Remote) Put(ctx context.Context, data []byte, name, bucket, contentType string, metadata map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(name, bucket), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build blob request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range metadata {
		req.Header.Set(metaHeaderPrefix+k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("put blob %s/%s: %w", bucket, name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("put blob %s/%s: status %d: %w", bucket, name, resp.StatusCode, sentinel.ErrUnavailable)
	}
	return nil
}

func (r *Remote) objectURL(name, bucket string) string {
	return r.base + "/" + url.PathEscape(bucket) + "/" + escapePath(name)
}

// escapePath escapes each path segment, keeping the directory separators the
// object names carry (e.g. "acme/2024-01.csv").
func escapePath(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// metaKeyFromHeader reverses Go's header canonicalisation for known metadata
// keys. The envelope schema uses camelCase keys ("sigKey"), so a fixed table
// beats guessing.
func metaKeyFromHeader(header string) string {
	key := strings.TrimPrefix(header, metaHeaderPrefix)
	lower := strings.ToLower(key)
	for _, known := range []string{"key", "dek", "nonce", "hash", "sig", "sigKey"} {
		if strings.ToLower(known) == lower {
			return known
		}
	}
	return lower
}
