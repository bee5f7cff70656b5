package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// HTTPConfig configures the authority service client.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// Outbound pacing. A non-positive rate disables the limiter.
	RatePerSecond float64
	Burst         int

	// Transient failures are retried MaxRetries times, starting at RetryInitial.
	MaxRetries   uint64
	RetryInitial time.Duration
}

// Session is the authority service's view of an account.
type Session struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Status    *int   `json:"status"`
	Frozen    bool   `json:"frozen"`
	Deleted   bool   `json:"deleted"`
}

type sessionPage struct {
	Items []Session `json:"items"`
	Total int       `json:"total"`
}

// HTTPService talks to the authority service over its REST API.
type HTTPService struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewHTTPService creates an authority client.
func NewHTTPService(cfg HTTPConfig, log *logger.Logger) *HTTPService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPService{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.Named("authority-http"),
	}
}

// Status returns the live status of the account with the given identifier.
// Numeric identifiers are authority ids; any other identifier that is not
// found directly is resolved through Lookup.
func (s *HTTPService) Status(ctx context.Context, identifier string) (Status, error) {
	var sess Session
	err := s.get(ctx, "/api/v1/sessions/"+url.PathEscape(identifier), nil, &sess)
	if errors.Is(err, ErrNotFound) && !isNumeric(identifier) {
		found, lerr := s.Lookup(ctx, identifier)
		if lerr != nil {
			return 0, lerr
		}
		sess, err = *found, nil
	}
	if err != nil {
		return 0, err
	}
	if sess.Status == nil {
		return 0, fmt.Errorf("authority: session %s has no status", identifier)
	}
	return Status(*sess.Status), nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// Lookup resolves an account by its external identifier through the search
// endpoint. Only an exact identifier match counts: zero or several matches
// return ErrNotFound.
func (s *HTTPService) Lookup(ctx context.Context, identifier string) (*Session, error) {
	q := url.Values{}
	q.Set("search", identifier)
	q.Set("limit", "10")

	var page sessionPage
	if err := s.get(ctx, "/api/v1/sessions/", q, &page); err != nil {
		return nil, err
	}

	var match *Session
	for i := range page.Items {
		if page.Items[i].SessionID != identifier {
			continue
		}
		if match != nil {
			s.log.Warn("ambiguous session lookup", zap.String("identifier", identifier))
			return nil, ErrNotFound
		}
		match = &page.Items[i]
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

func (s *HTTPService) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &TransientError{Op: "GET " + path, Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return &TransientError{Op: "GET " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("authority: GET %s: status %d: %s", path, resp.StatusCode, body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("authority: decode %s: %w", path, err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.MaxRetries), ctx)

	err := backoff.Retry(op, policy)
	if err != nil && IsTransient(err) {
		s.log.Warn("authority request failed after retries",
			zap.String("path", path),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: "GET " + path, Err: err}
	}
	return err
}
