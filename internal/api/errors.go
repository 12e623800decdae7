package api

import (
	"net/http"

	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/task"
)

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeTypeMismatch, xerrors.CodeInvalidValue, xerrors.CodeEncodingFailure:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNotFound, task.CodeTaskNotFound, xerrors.CodeContractNotFound, xerrors.CodeFunctionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, task.CodeTaskCompleted, xerrors.CodeAlreadyCompleted, xerrors.CodeLoopDetected:
		return http.StatusConflict
	case xerrors.CodeExecutorNotDeployed:
		return http.StatusPreconditionFailed
	case xerrors.CodeReadCallFailure, xerrors.CodeSigningFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(body.Code), map[string]errorBody{"error": body})
}
