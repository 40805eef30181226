package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwalitptl/compounding-api/pkg/circuitbreaker"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	sourceOpenFDA  = "openfda"
	sourceRxNav    = "rxnav"
	sourceDailyMed = "dailymed"

	maxBodyBytes = 8 << 20
)

type Config struct {
	OpenFDABaseURL    string
	RxNavBaseURL      string
	DailyMedBaseURL   string
	DailyMedPublicURL string
	OpenFDAAPIKey     string

	LookupTimeout   time.Duration
	CitationTimeout time.Duration

	RequestsPerSecond float64
	Burst             int
	CacheTTL          time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		OpenFDABaseURL:    "https://api.fda.gov",
		RxNavBaseURL:      "https://rxnav.nlm.nih.gov/REST",
		DailyMedBaseURL:   "https://dailymed.nlm.nih.gov/dailymed/services/v2",
		DailyMedPublicURL: "https://dailymed.nlm.nih.gov/dailymed/drugInfo.cfm",
		LookupTimeout:     5 * time.Second,
		CitationTimeout:   8 * time.Second,
		RequestsPerSecond: 4,
		Burst:             8,
		CacheTTL:          15 * time.Minute,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
}

// Service talks to the external clinical reference sources.
type Service struct {
	cfg      Config
	client   *http.Client
	cache    *cache.Cache
	limiters map[string]*rate.Limiter
	breakers map[string]*circuitbreaker.CircuitBreaker
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewService(cfg Config, client *http.Client, log *logger.Logger, m *metrics.Metrics) *Service {
	def := DefaultConfig()
	if cfg.OpenFDABaseURL == "" {
		cfg.OpenFDABaseURL = def.OpenFDABaseURL
	}
	if cfg.RxNavBaseURL == "" {
		cfg.RxNavBaseURL = def.RxNavBaseURL
	}
	if cfg.DailyMedBaseURL == "" {
		cfg.DailyMedBaseURL = def.DailyMedBaseURL
	}
	if cfg.DailyMedPublicURL == "" {
		cfg.DailyMedPublicURL = def.DailyMedPublicURL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.CitationTimeout <= 0 {
		cfg.CitationTimeout = def.CitationTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	cfg.OpenFDABaseURL = strings.TrimSuffix(cfg.OpenFDABaseURL, "/")
	cfg.RxNavBaseURL = strings.TrimSuffix(cfg.RxNavBaseURL, "/")
	cfg.DailyMedBaseURL = strings.TrimSuffix(cfg.DailyMedBaseURL, "/")

	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		client:   client,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		logger:   log,
		metrics:  m,
	}
	if cfg.CacheTTL > 0 {
		s.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	for _, src := range []string{sourceOpenFDA, sourceRxNav, sourceDailyMed} {
		s.limiters[src] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		s.breakers[src] = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:                src,
			MaxRequests:         1,
			Timeout:             cfg.BreakerTimeout,
			ConsecutiveFailures: cfg.BreakerFailures,
			OnStateChange: func(name, from, to string) {
				log.Warn("External source breaker changed state", "source", name, "from", from, "to", to)
			},
		})
	}
	return s
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

var errNotJSON = errors.New("Response was not JSON.")

type response struct {
	status      int
	contentType string
	body        []byte
}

// fetch performs a rate-limited, breaker-guarded GET. Only 2xx bodies are cached.
// Transport failures and 5xx count against the breaker; other statuses are
// returned to the caller untouched.
func (s *Service) fetch(ctx context.Context, source, rawURL string, timeout time.Duration) (*response, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(rawURL); ok {
			s.metrics.ExternalLookups.WithLabelValues(source, "cached").Inc()
			return cached.(*response), nil
		}
	}

	timer := prometheus.NewTimer(s.metrics.ExternalLatency.WithLabelValues(source))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lim, ok := s.limiters[source]; ok {
		if err := lim.Wait(ctx); err != nil {
			s.metrics.ExternalLookups.WithLabelValues(source, "error").Inc()
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var resp *response
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		httpResp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if httpResp.StatusCode >= 500 {
			return &StatusError{Code: httpResp.StatusCode}
		}
		resp = &response{
			status:      httpResp.StatusCode,
			contentType: httpResp.Header.Get("Content-Type"),
			body:        body,
		}
		return nil
	}

	var err error
	if br, ok := s.breakers[source]; ok {
		err = br.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		s.metrics.ExternalLookups.WithLabelValues(source, "error").Inc()
		s.logger.Debug("External lookup failed", "source", source, "error", err.Error())
		return nil, err
	}

	if resp.status >= 200 && resp.status < 300 {
		s.metrics.ExternalLookups.WithLabelValues(source, "ok").Inc()
		if s.cache != nil {
			s.cache.SetDefault(rawURL, resp)
		}
	} else {
		s.metrics.ExternalLookups.WithLabelValues(source, "status_"+fmt.Sprint(resp.status)).Inc()
	}
	return resp, nil
}

// getJSON decodes a 2xx or 404 JSON body into out and returns the status.
// Any other status is an error.
func (s *Service) getJSON(ctx context.Context, source, rawURL string, out interface{}) (int, error) {
	resp, err := s.fetch(ctx, source, rawURL, s.cfg.LookupTimeout)
	if err != nil {
		return 0, err
	}
	switch {
	case resp.status >= 200 && resp.status < 300:
		if err := json.Unmarshal(resp.body, out); err != nil {
			return resp.status, fmt.Errorf("failed to decode %s response: %w", source, err)
		}
	case resp.status == http.StatusNotFound:
		_ = json.Unmarshal(resp.body, out)
	default:
		return resp.status, &StatusError{Code: resp.status}
	}
	return resp.status, nil
}
