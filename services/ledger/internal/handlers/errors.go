package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
)

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func httpStatus(class service.Classification) int {
	if class.Reason == service.CodeInsufficientBalance {
		return http.StatusPaymentRequired
	}
	switch class.Code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.PermissionDenied:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded, codes.Canceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError classifies err and writes it. Unclassified errors are
// logged and reported without their message.
func writeServiceError(c *gin.Context, logger *slog.Logger, op string, err error) {
	class := service.Classify(err)
	status := httpStatus(class)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err, "request_id", correlationID(c))
		writeError(c, status, service.CodeInternal, "internal error", nil)
		return
	}
	writeError(c, status, class.Reason, err.Error(), errorDetails(err))
}

func errorDetails(err error) map[string]string {
	details := map[string]string{}
	var rejected *transfer.RejectedError
	if errors.As(err, &rejected) {
		details["transfer_id"] = rejected.Transfer.ID.String()
	}
	var insufficient *credit.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		details["requested_micro"] = strconv.FormatInt(insufficient.RequestedMicro, 10)
		details["available_micro"] = strconv.FormatInt(insufficient.AvailableMicro, 10)
	}
	var finalized *credit.AlreadyFinalizedError
	if errors.As(err, &finalized) {
		details["actual_cost_micro"] = strconv.FormatInt(finalized.ActualCostMicro, 10)
	}
	var mismatch *distribution.PostingMismatchError
	if errors.As(err, &mismatch) {
		details["field"] = mismatch.Field
		details["expected"] = mismatch.Want
	}
	var state *governance.InvalidStateError
	if errors.As(err, &state) {
		details["status"] = string(state.Status)
	}
	var fourEyes *governance.FourEyesViolationError
	if errors.As(err, &fourEyes) {
		details["actor"] = fourEyes.Actor
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
