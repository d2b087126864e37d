package routing

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// UpstreamFetcher issues network fetches against the origin the gateway
// fronts, rewriting origin-relative request URLs onto the upstream base.
type UpstreamFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewUpstreamFetcher parses the upstream base URL and builds the fetcher.
func NewUpstreamFetcher(baseURL string, timeout time.Duration) (*UpstreamFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad upstream URL %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", baseURL)
	}

	return &UpstreamFetcher{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Do sends the request to the upstream. The inbound request is not mutated.
func (f *UpstreamFetcher) Do(req *http.Request) (*http.Response, error) {
	target := *req.URL
	target.Scheme = f.base.Scheme
	target.Host = f.base.Host

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()

	return f.client.Do(out)
}
