package handler

import (
	"encoding/json"
	"net/http"

	"github.com/AlexZinkM/canton-connect/internal/common"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code model.ErrorCode, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: code})
}

// writeKindError maps an error's kind onto an HTTP status
func writeKindError(w http.ResponseWriter, err error) {
	kind, ok := common.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, model.CodeInternal, err.Error())
		return
	}
	writeJSON(w, statusForKind(kind), model.ErrorResponse{
		Error:     err.Error(),
		Code:      model.ErrorCode(kind),
		Retryable: retryable(kind),
	})
}

// retryable reports kinds that can clear up without user action
func retryable(kind common.Kind) bool {
	switch kind {
	case common.KindWalletUnavailable, common.KindTransportError, common.KindTimeout,
		common.KindRegistryStale, common.KindOperationInProgress:
		return true
	default:
		return false
	}
}

func statusForKind(kind common.Kind) int {
	switch kind {
	case common.KindUnknownWallet:
		return http.StatusNotFound
	case common.KindUserRejected:
		return http.StatusForbidden
	case common.KindWalletUnavailable, common.KindRegistryStale:
		return http.StatusServiceUnavailable
	case common.KindTransportError, common.KindInvalidSignature, common.KindAdapterMalfunction:
		return http.StatusBadGateway
	case common.KindTimeout:
		return http.StatusGatewayTimeout
	case common.KindOperationInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
