package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alecthomas/errors"
)

// ErrClosed is returned by requests issued after Close.
var ErrClosed = errors.New("client is closed")

// ServiceError is a non-2xx response from the API.
//
// Code and Message are taken verbatim from the {"error": {"code", "message"}}
// payload when the response carries one.
type ServiceError struct {
	Method  string
	URL     string
	Status  int
	Code    string
	Message string
}

func (s *ServiceError) Error() string {
	if s.Code != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", s.Method, s.URL, s.Status, s.Code, s.Message)
	}
	return fmt.Sprintf("%s %s: %d: %s", s.Method, s.URL, s.Status, s.Message)
}

// Retryable is false for 4xx responses.
func (s *ServiceError) Retryable() bool {
	return s.Status < 400 || s.Status >= 500
}

// TransportError is a failure to complete an HTTP round trip, such as a DNS,
// connection or timeout error.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (t *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s", t.Method, t.URL, t.Err)
}
func (t *TransportError) Unwrap() error { return t.Err }

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseServiceError(method, url string, status int, body []byte) *ServiceError {
	out := &ServiceError{Method: method, URL: url, Status: status}
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Error.Code != "" || payload.Error.Message != "") {
		out.Code = payload.Error.Code
		out.Message = payload.Error.Message
		return out
	}
	out.Message = strings.TrimSpace(string(body))
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

// isRetryable classifies an error returned from a single attempt.
func isRetryable(err error) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Retryable()
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
