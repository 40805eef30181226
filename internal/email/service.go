package email

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/compounding-api/internal/config"
	"github.com/jwalitptl/compounding-api/pkg/logger"
)

type Service interface {
	SendEscalation(ctx context.Context, notice Escalation) error
	SendCustom(ctx context.Context, to string, subject string, content string) error
}

// Escalation is the notice sent to the pharmacist inbox when a job ends in
// needs_review.
type Escalation struct {
	To             string
	JobID          uuid.UUID
	Medication     string
	Patient        string
	Attempts       int
	BlockingIssues []string
	Warnings       []string
}

func (e Escalation) Subject() string {
	return fmt.Sprintf("Compounding job %s needs pharmacist review", e.JobID)
}

func (e Escalation) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", e.JobID)
	fmt.Fprintf(&b, "Medication: %s\n", e.Medication)
	fmt.Fprintf(&b, "Patient: %s\n", e.Patient)
	fmt.Fprintf(&b, "Attempts: %d\n", e.Attempts)
	if len(e.BlockingIssues) > 0 {
		b.WriteString("\nBlocking issues:\n")
		for _, issue := range e.BlockingIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	if len(e.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range e.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

type smtpService struct {
	dialer *gomail.Dialer
	from   string
	logger *logger.Logger
}

// NewService returns an SMTP sender, or a logging no-op when SMTP is disabled.
func NewService(cfg config.SMTPConfig, log *logger.Logger) Service {
	if log == nil {
		log = logger.Nop()
	}
	if !cfg.Enabled {
		return &nopService{logger: log}
	}
	return &smtpService{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		logger: log,
	}
}

func (s *smtpService) SendEscalation(ctx context.Context, notice Escalation) error {
	return s.SendCustom(ctx, notice.To, notice.Subject(), notice.Body())
}

func (s *smtpService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("email recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", content)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.WithContext(ctx).Info("Email sent", "to", to, "subject", subject)
	return nil
}

type nopService struct {
	logger *logger.Logger
}

func (n *nopService) SendEscalation(ctx context.Context, notice Escalation) error {
	return n.SendCustom(ctx, notice.To, notice.Subject(), notice.Body())
}

func (n *nopService) SendCustom(ctx context.Context, to string, subject string, _ string) error {
	n.logger.WithContext(ctx).Debug("SMTP disabled, email not sent", "to", to, "subject", subject)
	return nil
}

// Recorder keeps sent messages in memory. Used by tests.
type Recorder struct {
	mu          sync.Mutex
	Escalations []Escalation
}

func (r *Recorder) SendEscalation(_ context.Context, notice Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Escalations = append(r.Escalations, notice)
	return nil
}

func (r *Recorder) SendCustom(_ context.Context, to string, subject string, content string) error {
	return nil
}

// Sent returns a copy of the recorded escalations.
func (r *Recorder) Sent() []Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Escalation{}, r.Escalations...)
}
