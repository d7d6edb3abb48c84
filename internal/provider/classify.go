package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// classifyStatus maps an HTTP status returned by a provider to a transient
// or permanent invocation error. Timeouts, rate limits and 5xx are transient.
func classifyStatus(p models.LLMProvider, status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperror.Transient(p, "rate limited", cause)
	case status == http.StatusRequestTimeout:
		return apperror.Transient(p, "request timeout", cause)
	case status >= 500:
		return apperror.Transient(p, fmt.Sprintf("upstream error (%d)", status), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.Permanent(p, "authentication failed", cause)
	case status == http.StatusNotFound:
		return apperror.Permanent(p, "model not found", cause)
	default:
		return apperror.Permanent(p, fmt.Sprintf("request rejected (%d)", status), cause)
	}
}

// classifyContext handles context errors surfaced by a call.
func classifyContext(p models.LLMProvider, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return apperror.Wrap(apperror.KindCanceled, string(p)+": call canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperror.Transient(p, "timeout", err)
	default:
		return apperror.Transient(p, "throttled", err)
	}
}

// classifyMessage classifies an error from a client library that does not
// expose status codes, based on the error text.
func classifyMessage(p models.LLMProvider, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classifyContext(p, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperror.Transient(p, "network error", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "status code: 429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota"):
		return apperror.Transient(p, "rate limited", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return apperror.Transient(p, "timeout", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "eof"):
		return apperror.Transient(p, "network error", err)
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "internal error") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded"):
		return apperror.Transient(p, "upstream error", err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "permission"):
		return apperror.Permanent(p, "authentication failed", err)
	case strings.Contains(msg, "not found"):
		return apperror.Permanent(p, "model not found", err)
	default:
		return apperror.Permanent(p, "request failed", err)
	}
}

// toInt64 reads a numeric usage value of any of the shapes client
// libraries report them in.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
