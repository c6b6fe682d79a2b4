// Package errclass classifies crawl failures into a fixed taxonomy that drives
// retry, alerting and the error details stored on failed jobs.
package errclass

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Type is a failure category.
type Type string

const (
	NetworkError Type = "NETWORK_ERROR"
	ParseError   Type = "PARSE_ERROR"
	SaveError    Type = "SAVE_ERROR"
	TimeoutError Type = "TIMEOUT_ERROR"
	SiteChanged  Type = "SITE_CHANGED"
	AuthError    Type = "AUTH_ERROR"
	WorkerError  Type = "WORKER_ERROR"
	UnknownError Type = "UNKNOWN_ERROR"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

const (
	// SiteChangeThreshold is the repeat frequency at which parse failures are read as structure drift.
	SiteChangeThreshold = 3
	// AlertThreshold is the rolling-window frequency at which any failure type alerts.
	AlertThreshold = 3
)

// Classification is the outcome of classifying one error.
type Classification struct {
	Type             Type     `json:"type"`
	Severity         Severity `json:"severity"`
	Action           string   `json:"recommended_action"`
	AutoRetryable    bool     `json:"auto_retryable"`
	Confidence       float64  `json:"confidence"`
	EstimatedFixTime string   `json:"estimated_fix_time"`
}

// Context is optional caller information that refines classification.
type Context struct {
	Source    string `json:"source,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Frequency int    `json:"frequency,omitempty"`
}

type profile struct {
	severity  Severity
	action    string
	retryable bool
	fixTime   string
}

var profiles = map[Type]profile{
	NetworkError: {SeverityMedium, "retry with backoff; check target site reachability", true, "5-15 minutes"},
	ParseError:   {SeverityMedium, "inspect page markup and selector configuration", false, "30-60 minutes"},
	SaveError:    {SeverityHigh, "check database connectivity and constraint violations", true, "15-30 minutes"},
	TimeoutError: {SeverityLow, "retry later; consider raising the request timeout", true, "5-10 minutes"},
	SiteChanged:  {SeverityCritical, "update site selectors; page structure has drifted", false, "2-4 hours"},
	AuthError:    {SeverityHigh, "verify credentials or access rules for the site", false, "1-2 hours"},
	WorkerError:  {SeverityHigh, "check worker and queue health", true, "15-30 minutes"},
	UnknownError: {SeverityMedium, "investigate logs manually", false, "unknown"},
}

var (
	networkKeywords = []string{
		"econnrefused", "econnreset", "enotfound", "eai_again", "connection refused",
		"connection reset", "no such host", "network is unreachable", "socket hang up",
		"network error", "broken pipe", "tls handshake",
	}
	parseKeywords = []string{
		"parse", "selector", "unexpected token", "invalid character", "invalid json",
		"syntax error", "element not found", "no products found", "unexpected end of json",
	}
	saveKeywords = []string{
		"database", "duplicate key", "unique constraint", "foreign key", "violates",
		"deadlock", "sqlstate", "insert", "save products", "pgx", "tx closed",
	}
	timeoutKeywords = []string{
		"timeout", "timed out", "etimedout", "deadline exceeded", "context deadline",
	}
	authKeywords = []string{
		"unauthorized", "forbidden", "401", "403", "access denied", "authentication",
		"not authorized", "login required",
	}
	workerKeywords = []string{
		"worker", "queue", "stalled", "redis", "job lock", "consumer group",
	}
)

// Classifier maps errors to a Classification.
type Classifier struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger.With("component", "error_classifier")}
}

// Classify never panics; an internal failure degrades to UNKNOWN_ERROR.
func (c *Classifier) Classify(err error, ctx Context) (result Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classification failed", "panic", fmt.Sprint(r))
			result = build(UnknownError, 0.1)
		}
	}()

	if err == nil {
		return build(UnknownError, 0.1)
	}
	return c.ClassifyMessage(err.Error(), ctx)
}

// ClassifyMessage classifies raw error text.
func (c *Classifier) ClassifyMessage(msg string, ctx Context) Classification {
	text := strings.ToLower(msg)

	switch {
	case containsAny(text, networkKeywords):
		return build(NetworkError, 0.9)
	case containsAny(text, parseKeywords):
		if ctx.Frequency >= SiteChangeThreshold {
			return build(SiteChanged, 0.85)
		}
		return build(ParseError, 0.8)
	case containsAny(text, saveKeywords):
		return build(SaveError, 0.85)
	case containsAny(text, timeoutKeywords):
		return build(TimeoutError, 0.9)
	case containsAny(text, authKeywords):
		return build(AuthError, 0.8)
	case containsAny(text, workerKeywords):
		return build(WorkerError, 0.75)
	case ctx.JobID != "" || ctx.Source == "worker":
		return build(WorkerError, 0.5)
	}
	return build(UnknownError, 0.3)
}

// ShouldAlert reports whether a failure warrants an operator alert.
func ShouldAlert(t Type, frequency int) bool {
	if t == SiteChanged || t == WorkerError {
		return true
	}
	return frequency >= AlertThreshold
}

// Retryable reports whether err should be retried by the queue.
func (c *Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification.AutoRetryable
	}
	return c.Classify(err, Context{}).AutoRetryable
}

// ClassifiedError carries a classification alongside the original error.
type ClassifiedError struct {
	Err            error
	Classification Classification
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func build(t Type, confidence float64) Classification {
	p := profiles[t]
	return Classification{
		Type:             t,
		Severity:         p.severity,
		Action:           p.action,
		AutoRetryable:    p.retryable,
		Confidence:       confidence,
		EstimatedFixTime: p.fixTime,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
