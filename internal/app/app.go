// Package app wires configuration, repositories and services into the HTTP
// router. cmd/api uses it with postgres; tests use it with the memory store.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/compounding-api/internal/config"
	"github.com/jwalitptl/compounding-api/internal/email"
	"github.com/jwalitptl/compounding-api/internal/handler/calculator"
	"github.com/jwalitptl/compounding-api/internal/handler/citation"
	"github.com/jwalitptl/compounding-api/internal/handler/compounding"
	"github.com/jwalitptl/compounding-api/internal/handler/health"
	promhandler "github.com/jwalitptl/compounding-api/internal/handler/prometheus"
	"github.com/jwalitptl/compounding-api/internal/handler/signature"
	"github.com/jwalitptl/compounding-api/internal/middleware"
	"github.com/jwalitptl/compounding-api/internal/repository"
	"github.com/jwalitptl/compounding-api/internal/router"
	"github.com/jwalitptl/compounding-api/internal/service/approval"
	"github.com/jwalitptl/compounding-api/internal/service/audit"
	"github.com/jwalitptl/compounding-api/internal/service/clinical"
	"github.com/jwalitptl/compounding-api/internal/service/formula"
	"github.com/jwalitptl/compounding-api/internal/service/pipeline"
	"github.com/jwalitptl/compounding-api/internal/service/preflight"
	"github.com/jwalitptl/compounding-api/internal/service/review"
	"github.com/jwalitptl/compounding-api/internal/service/safety"
	"github.com/jwalitptl/compounding-api/internal/service/signing"
	"github.com/jwalitptl/compounding-api/pkg/auth"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
	"github.com/jwalitptl/compounding-api/pkg/security"
	"github.com/jwalitptl/compounding-api/pkg/validator"
)

const metricsNamespace = "compounding"

// Options override the collaborators NewServices would otherwise build from
// config.
type Options struct {
	HTTPClient *http.Client
	Reasoner   review.Reasoner
	Clinical   pipeline.ClinicalSource
	Mailer     email.Service
	Clock      func() time.Time
}

type Services struct {
	Audit    *audit.Service
	Formulas *formula.Service
	Clinical *clinical.Service
	Signing  *signing.Service
	Pipeline *pipeline.Service
	Approval *approval.Service
	JWT      auth.JWTService
}

func NewServices(ctx context.Context, cfg *config.Config, repos *repository.Repositories, log *logger.Logger, m *metrics.Metrics, opts Options) (*Services, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	jwtSvc, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	reasoner := opts.Reasoner
	if reasoner == nil {
		reasoner, err = NewReasoner(ctx, cfg.Review, opts.HTTPClient)
		if err != nil {
			return nil, err
		}
	}

	mailer := opts.Mailer
	if mailer == nil {
		mailer = email.NewService(cfg.SMTP, log)
	}

	clinicalSvc := clinical.NewService(clinical.Config{
		OpenFDABaseURL:    cfg.External.OpenFDABaseURL,
		RxNavBaseURL:      cfg.External.RxNavBaseURL,
		DailyMedBaseURL:   cfg.External.DailyMedBaseURL,
		DailyMedPublicURL: cfg.External.DailyMedPublicURL,
		OpenFDAAPIKey:     cfg.External.OpenFDAAPIKey,
		LookupTimeout:     cfg.External.LookupTimeout,
		CitationTimeout:   cfg.External.CitationTimeout,
		RequestsPerSecond: cfg.External.RequestsPerSecond,
		Burst:             cfg.External.Burst,
		CacheTTL:          cfg.External.CacheTTL,
		BreakerFailures:   cfg.External.BreakerFailures,
		BreakerTimeout:    cfg.External.BreakerTimeout,
	}, opts.HTTPClient, log, m)

	var source pipeline.ClinicalSource = clinicalSvc
	if opts.Clinical != nil {
		source = opts.Clinical
	}

	auditSvc := audit.NewService(repos.Audit, log)
	formulaSvc := formula.NewService(repos.Formulas, auditSvc, log)
	v := validator.New()

	signingSvc := signing.NewService(signing.Config{
		IntentTTL:       cfg.Signing.IntentTTL,
		MaxPINAttempts:  cfg.Signing.MaxPINAttempts,
		LockoutDuration: cfg.Signing.LockoutDuration,
	}, repos.Jobs, repos.Signing, security.NewBcryptHasher(cfg.Signing.BcryptCost), auditSvc, log, m)
	signingSvc.SetClock(opts.Clock)

	pipelineSvc := pipeline.NewService(pipeline.Config{
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		FailClosed:      cfg.Pipeline.FailClosed,
		PharmacistInbox: cfg.Pipeline.PharmacistInbox,
	}, pipeline.Dependencies{
		Jobs:      repos.Jobs,
		Reports:   repos.Reports,
		Inventory: repos.Inventory,
		Feedback:  repos.Feedback,
		Formulas:  formulaSvc,
		Audit:     auditSvc,
		Gate:      preflight.NewGate(v),
		Clinical:  source,
		Evaluator: safety.NewEvaluator(safety.Config{LowStockMultiplier: cfg.Pipeline.LowStockMultiplier}, m),
		Reviewer:  review.NewReviewer(reasoner, review.Config{Timeout: cfg.Review.Timeout}, log, m),
		Mailer:    mailer,
		Logger:    log,
		Metrics:   m,
		Clock:     opts.Clock,
	})

	approvalSvc := approval.NewService(approval.Config{Strict: cfg.Signing.Strict}, approval.Dependencies{
		Jobs:      repos.Jobs,
		Reports:   repos.Reports,
		Formulas:  repos.Formulas,
		Approvals: repos.Approvals,
		Feedback:  repos.Feedback,
		Signing:   signingSvc,
		Audit:     auditSvc,
		Validator: v,
		Logger:    log,
		Metrics:   m,
		Clock:     opts.Clock,
	})

	return &Services{
		Audit:    auditSvc,
		Formulas: formulaSvc,
		Clinical: clinicalSvc,
		Signing:  signingSvc,
		Pipeline: pipelineSvc,
		Approval: approvalSvc,
		JWT:      jwtSvc,
	}, nil
}

// NewReasoner picks the language model behind the AI review. It returns nil
// for provider none, which makes every review use the deterministic fallback.
func NewReasoner(ctx context.Context, cfg config.ReviewConfig, client *http.Client) (review.Reasoner, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("review provider openai requires OPENAI_API_KEY")
		}
		return review.NewOpenAIReasoner(review.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.Model,
		}, client), nil
	case "gemini":
		g, err := review.NewGeminiReasoner(ctx, review.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown review provider %q", cfg.Provider)
	}
}

// NewRouter mounts every API handler. reg receives the HTTP metrics and is
// served on /metrics.
func NewRouter(cfg *config.Config, svcs *Services, log *logger.Logger, reg *prometheus.Registry, checks map[string]health.Check) *router.Router {
	r := router.NewRouter(
		log,
		middleware.NewAuthMiddleware(svcs.JWT),
		health.NewHandler(checks),
		promhandler.New(reg, metricsNamespace),
		router.RouterConfig{
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			CORSConfig:       middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
			ReleaseMode:      cfg.Log.Level != "debug",
		},
		compounding.NewHandler(svcs.Pipeline, svcs.Approval, svcs.Signing, svcs.Audit),
		signature.NewHandler(svcs.Signing),
		calculator.NewHandler(),
		citation.NewHandler(svcs.Clinical),
	)
	r.Setup()
	return r
}

// NewMetrics returns service metrics on a fresh registry that also carries
// the Go runtime collectors.
func NewMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewMetrics(reg, metricsNamespace, ""), reg
}
