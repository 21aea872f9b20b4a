package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/thumbnail"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "covers/1.0 (+https://github.com/adrien-f/covers)"

	// maxImageSize bounds every downloaded cover.
	maxImageSize = 10 << 20
	// maxAPIResponseSize bounds catalog metadata responses.
	maxAPIResponseSize = 1 << 20
)

// HTTPOption configures the HTTP client shared by the web service sources.
type HTTPOption func(*httpSource)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *httpSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithBaseURL points the source at another endpoint, e.g. a test server.
func WithBaseURL(baseURL string) HTTPOption {
	return func(s *httpSource) {
		if baseURL != "" {
			s.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *httpSource) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *httpSource) {
		if d > 0 {
			s.client = &http.Client{Timeout: d}
		}
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(ua string) HTTPOption {
	return func(s *httpSource) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// httpSource holds what every web service source needs: a client, an
// endpoint and an optional rate limiter.
type httpSource struct {
	client    *http.Client
	baseURL   string
	limiter   *rate.Limiter
	userAgent string
}

func newHTTPSource(baseURL string, opts []HTTPOption) httpSource {
	s := httpSource{
		client:    &http.Client{Timeout: defaultTimeout},
		baseURL:   baseURL,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// get issues a GET request. A nil response with a nil error means the
// server did not answer 200.
func (s *httpSource) get(ctx context.Context, url string) (*http.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, nil
	}
	return resp, nil
}

// getBody fetches url and reads at most limit bytes of its body. found is
// false when the server did not answer 200.
func (s *httpSource) getBody(ctx context.Context, url string, limit int64) (body []byte, contentType string, found bool, err error) {
	resp, err := s.get(ctx, url)
	if err != nil || resp == nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return nil, "", false, fmt.Errorf("response from %s exceeds %d bytes", url, limit)
	}
	return body, resp.Header.Get("Content-Type"), true, nil
}

// fetchImage downloads the cover at url for id. A non-200 answer is absence.
func (s *httpSource) fetchImage(ctx context.Context, id ident.Identifier, url string) (*Image, error) {
	data, contentType, found, err := s.getBody(ctx, url, maxImageSize)
	if err != nil || !found {
		return nil, err
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("unexpected content type %q from %s", contentType, url)
	}
	if len(data) == 0 {
		return nil, nil
	}

	md := Metadata{MIMEType: mediaType}
	if im, err := thumbnail.Metadata(bytes.NewReader(data)); err == nil {
		md = Metadata{Width: im.Width, Height: im.Height, MIMEType: im.MIMEType}
	}
	return NewImageBytes(id, md, data), nil
}
