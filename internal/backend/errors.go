package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/devecho/internal/resilience"
	"github.com/MrWong99/devecho/pkg/ipc"
)

// Local error types carried in llm_error.
const (
	LocalErrorUnavailable = "unavailable"
	LocalErrorTimeout     = "timeout"
	LocalErrorOther       = "other"
)

const (
	suggestCredentials = "Check the cloud provider API key in the providers.cloud_llm section of the backend config."
	suggestQuick       = "Try /quick for local LLM instead."
	suggestTimeout     = "Try a shorter query or use /quick for faster local LLM."
)

// localError maps a local completion failure onto an llm_error.
func localError(err error, timeout time.Duration) *ipc.LLMError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ipc.LLMError{
			Message:   fmt.Sprintf("LLM query timed out after %s", timeout),
			ErrorType: LocalErrorTimeout,
		}
	case isUnreachable(err):
		return &ipc.LLMError{
			Message:   "Local LLM service is unavailable. Please ensure Ollama is running.",
			ErrorType: LocalErrorUnavailable,
		}
	default:
		return &ipc.LLMError{
			Message:   "Query failed: " + err.Error(),
			ErrorType: LocalErrorOther,
		}
	}
}

// cloudError maps a cloud completion failure onto a cloud_llm_error. The
// fallback group joins every provider's error, so the checks see through to
// the individual causes.
func cloudError(err error, timeout time.Duration) *ipc.CloudLLMError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ipc.CloudLLMError{
			Message:    fmt.Sprintf("Cloud query timed out after %s", timeout),
			ErrorType:  ipc.CloudErrorTimeout,
			Suggestion: suggestTimeout,
		}
	case looksLikeAuth(err):
		return &ipc.CloudLLMError{
			Message:    err.Error(),
			ErrorType:  ipc.CloudErrorCredentials,
			Suggestion: suggestCredentials,
		}
	case errors.Is(err, resilience.ErrCircuitOpen), isUnreachable(err), looksUnavailable(err):
		return &ipc.CloudLLMError{
			Message:    err.Error(),
			ErrorType:  ipc.CloudErrorServiceUnavailable,
			Suggestion: suggestQuick,
		}
	default:
		return &ipc.CloudLLMError{
			Message:    err.Error(),
			ErrorType:  ipc.CloudErrorOther,
			Suggestion: suggestQuick,
		}
	}
}

// isUnreachable reports connection-level failures: refused, reset or an
// unresolvable host.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused")
}

var authMarkers = []string{
	"401", "403", "unauthorized", "forbidden", "authentication",
	"invalid api key", "invalid_api_key", "api key", "access denied",
	"permission denied",
}

func looksLikeAuth(err error) bool {
	return containsAny(strings.ToLower(err.Error()), authMarkers)
}

var unavailableMarkers = []string{
	"502", "503", "504", "529", "service unavailable", "overloaded",
	"bad gateway", "rate limit", "429",
}

func looksUnavailable(err error) bool {
	return containsAny(strings.ToLower(err.Error()), unavailableMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
