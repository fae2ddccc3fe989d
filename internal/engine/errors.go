package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Provider error classes. A RunResult error string starts with the class tag
// in brackets, or carries no tag for generic failures.
var (
	ErrRateLimited = errors.New("rate_limited")
	ErrAuthFailed  = errors.New("auth_failed")
	ErrTimeout     = errors.New("timeout")
)

// ClassifyError maps a provider error onto ErrRateLimited, ErrAuthFailed or
// ErrTimeout. It returns nil for every other failure.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrRateLimited, ErrAuthFailed, ErrTimeout} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if code := statusCode(err); code != 0 {
		switch code {
		case http.StatusTooManyRequests:
			return ErrRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrAuthFailed
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ErrTimeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "too many requests"):
		return ErrRateLimited
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "incorrect api key"), strings.Contains(msg, "unauthorized"):
		return ErrAuthFailed
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return ErrTimeout
	}
	return nil
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// FormatError renders err for a RunResult: the class tag, if any, followed
// by the redacted message.
func FormatError(err error, r *Redactor) string {
	if err == nil {
		return ""
	}
	msg := r.Redact(err.Error())
	if class := ClassifyError(err); class != nil {
		return "[" + class.Error() + "] " + msg
	}
	return msg
}
