package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidArgument       = "INVALID_ARGUMENT"
	ErrorCodeInvalidAmount         = "INVALID_AMOUNT"
	ErrorCodeUnauthorized          = "UNAUTHORIZED"
	ErrorCodeForbidden             = "FORBIDDEN"
	ErrorCodeRateLimited           = "RATE_LIMITED"
	ErrorCodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	ErrorCodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	ErrorCodeReservationNotFound   = "RESERVATION_NOT_FOUND"
	ErrorCodeRuleNotFound          = "RULE_NOT_FOUND"
	ErrorCodeAlreadyFinalized      = "ALREADY_FINALIZED"
	ErrorCodeFourEyesViolation     = "FOUR_EYES_VIOLATION"
	ErrorCodeInvalidState          = "INVALID_STATE"
	ErrorCodeSchemaValidation      = "SCHEMA_VALIDATION"
	ErrorCodeInsufficientApprovers = "INSUFFICIENT_APPROVERS"
	ErrorCodeNotFinalized          = "RESERVATION_NOT_FINALIZED"
	ErrorCodePostingMismatch       = "DISTRIBUTION_MISMATCH"
	ErrorCodeInternal              = "INTERNAL"
)

type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func DecodeError(t *testing.T, resp *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, resp.Body.String())
	}
	return errResp
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}
	if got := DecodeError(t, resp); got.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, got.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidArgument, ErrorCodeInvalidAmount, ErrorCodeSchemaValidation, ErrorCodeInsufficientApprovers:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeAccountNotFound, ErrorCodeReservationNotFound, ErrorCodeRuleNotFound:
		return http.StatusNotFound
	case ErrorCodeAlreadyFinalized, ErrorCodeFourEyesViolation, ErrorCodeInvalidState,
		ErrorCodeNotFinalized, ErrorCodePostingMismatch:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
