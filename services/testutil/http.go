package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// RequestOption decorates a ledger API request.
type RequestOption func(*http.Request)

func WithToken(token string) RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithIdempotencyKey sets the header that takes precedence over a body
// idempotency_key on reservations and transfers.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *http.Request) { r.Header.Set("Idempotency-Key", key) }
}

// ServeLedger sends body as JSON through router. A nil body is sent as null.
func ServeLedger(router http.Handler, method, path string, body any, opts ...RequestOption) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeAuthRequest(router http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	return ServeLedger(router, method, path, body, WithToken(token))
}

func MakeAPIRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	return ServeLedger(router, method, path, body)
}

// DecodeJSON fails the test when the response body is not a T.
func DecodeJSON[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v (%s)", out, err, resp.Body.String())
	}
	return out
}
