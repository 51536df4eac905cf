// Package api holds the gateway and sync server's shared HTTP response
// shapes and error codes.
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeRateLimited     = "E_RATE_LIMITED"
	CodeInternalError   = "E_INTERNAL_ERROR"
	CodeAccessDenied    = "E_ACCESS_DENIED"

	CodeAuthInvalidCredentials = "E_AUTH_INVALID_CREDENTIALS"

	CodeRPCNotFound   = "E_RPC_NOT_FOUND"
	CodeRPCExpired    = "E_RPC_EXPIRED"
	CodeRPCTooLarge   = "E_RPC_TOO_LARGE"

	CodeSyncNotFound      = "E_SYNC_NOT_FOUND"
	CodeSyncHashMismatch  = "E_SYNC_HASH_MISMATCH"
	CodeSyncUpgradeNeeded = "E_SYNC_UPGRADE_NEEDED"
)

// Error is the JSON envelope for every non-2xx response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("syft api error: code=%s, message=%s", e.Code, e.Message)
}

// AbortWithError aborts ctx and writes a structured Error body.
func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	ctx.Error(err)
	ctx.PureJSON(status, Error{Code: code, Message: err.Error()})
}
