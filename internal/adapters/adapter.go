// Package adapters contains the marketplace connectors. Each adapter speaks
// one platform's API and reports a classified outcome; all retry and pacing
// policy lives in the orchestrator, never here.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"crosspost/internal/models"
)

// Outcome classes. The orchestrator maps these onto job state transitions.
const (
	ClassSuccess           = "success"
	ClassTransient         = "transient"
	ClassRateLimited       = "rate_limited"
	ClassAuthFailure       = "auth_failure"
	ClassPolicyRejected    = "policy_rejected"
	ClassAccountBlocked    = "account_blocked"
	ClassContractViolation = "contract_violation"
)

// Metrics is the per-posting counter snapshot returned by FetchMetrics.
type Metrics struct {
	Views  int64 `json:"views"`
	Clicks int64 `json:"clicks"`
	Leads  int64 `json:"leads"`
}

// Result carries the classified outcome of one adapter call.
type Result struct {
	Class      string
	ExternalID string
	PostURL    string
	Metrics    *Metrics
	RetryAfter time.Duration
	Message    string
}

func (r Result) Success() bool { return r.Class == ClassSuccess }

// Retryable reports whether the orchestrator may try the call again.
func (r Result) Retryable() bool {
	return r.Class == ClassTransient || r.Class == ClassRateLimited
}

// TripsAccount reports whether the outcome should feed the account trip
// streak. Policy rejections are about one listing, not the account.
func (r Result) TripsAccount() bool {
	switch r.Class {
	case ClassAuthFailure, ClassAccountBlocked:
		return true
	default:
		return false
	}
}

// Adapter is the capability contract one marketplace implements. Calls are
// network-bound, individually retryable, and must respect ctx deadlines.
type Adapter interface {
	Platform() string
	Post(ctx context.Context, content models.AdContent, account *models.PlatformAccount, idempotencyKey string) Result
	Delist(ctx context.Context, externalID string, account *models.PlatformAccount) Result
	Renew(ctx context.Context, externalID string, account *models.PlatformAccount) Result
	FetchMetrics(ctx context.Context, externalID string, account *models.PlatformAccount) Result
	TestConnection(ctx context.Context, account *models.PlatformAccount) Result
}

func success(externalID, postURL string) Result {
	return Result{Class: ClassSuccess, ExternalID: externalID, PostURL: postURL}
}

func transient(format string, args ...any) Result {
	return Result{Class: ClassTransient, Message: fmt.Sprintf(format, args...)}
}

func contractViolation(format string, args ...any) Result {
	return Result{Class: ClassContractViolation, Message: fmt.Sprintf(format, args...)}
}

// classifyHTTP maps a response status onto an outcome class the way the
// platforms actually behave: 429 carries Retry-After, 401/403 mean the
// session is dead, 422/400 mean the listing itself was refused.
func classifyHTTP(resp *http.Response, body []byte) Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Class: ClassSuccess}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Class:      ClassRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    "platform rate limit",
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if blockedBody(body) {
			return Result{Class: ClassAccountBlocked, Message: trimBody(body)}
		}
		return Result{Class: ClassAuthFailure, Message: trimBody(body)}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return Result{Class: ClassPolicyRejected, Message: trimBody(body)}
	case resp.StatusCode >= 500:
		return transient("http status %d", resp.StatusCode)
	default:
		return transient("unexpected http status %d", resp.StatusCode)
	}
}

// classifyTransport handles errors before any HTTP status exists. Deadline
// overruns are transient per the engine's error taxonomy.
func classifyTransport(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient("deadline exceeded: %v", err)
	}
	return transient("transport error: %v", err)
}

// blockedBody detects the explicit "account disabled" vocabulary some
// platforms put in 403 bodies.
func blockedBody(body []byte) bool {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	switch payload.Code {
	case "account_blocked", "account_suspended", "account_flagged":
		return true
	}
	return false
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func trimBody(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body
}
