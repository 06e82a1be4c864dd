package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trackerbot/internal/domain"
)

type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	UserAgent  string
}

// HTTPScraper fetches a profile page. Parsing the page is left to the
// stats service; a 2xx response counts as a successful refresh.
type HTTPScraper struct {
	client  *http.Client
	base    string
	ua      string
	limiter *rate.Limiter
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.URL, e.Code) }

const maxBody = 1 << 20

func NewHTTPScraper(cfg HTTPConfig) *HTTPScraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "trackerbot/1.0"
	}
	return &HTTPScraper{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		ua:      cfg.UserAgent,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

// URLFor is the profile's own URL, or base_url/{id} when it has none.
func (s *HTTPScraper) URLFor(p *domain.TrackedProfile) (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if s.base == "" {
		return "", fmt.Errorf("profile %s has no url and no base_url is configured", p.ID)
	}
	return s.base + "/" + url.PathEscape(p.ID), nil
}

func (s *HTTPScraper) Scrape(ctx context.Context, p *domain.TrackedProfile) error {
	u, err := s.URLFor(p)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", s.ua)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode, URL: u}
	}
	return nil
}
