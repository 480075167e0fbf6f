package circuitbreaker

import (
	"net/http"

	"go.uber.org/zap"
)

// HTTPWrapper guards an HTTP client with a circuit breaker. Server errors
// (5xx) count as failures; client errors are the caller's problem and do not
// trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
}

// NewHTTPWrapper wraps client with a breaker for the named dependency.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	return &HTTPWrapper{
		client: client,
		cb:     New(name, DefaultConfig(), logger),
	}
}

// Do executes the request through the breaker.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = w.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &ServerError{StatusCode: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*ServerError); ok {
			// 5xx still delivers the response; breaker counted the failure.
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

// State exposes the breaker state for health checks.
func (w *HTTPWrapper) State() State { return w.cb.State() }

// ServerError marks a 5xx response for failure accounting.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return http.StatusText(e.StatusCode)
}
