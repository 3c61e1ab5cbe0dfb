package router

import (
	"github.com/gin-gonic/gin"

	gwerrors "github.com/sable-systems/sentry/internal/errors"
)

// wireError is the §7 "what, not how" error envelope.
type wireError struct {
	Error struct {
		Kind      gwerrors.Kind `json:"kind"`
		Message   string        `json:"message"`
		RequestID string        `json:"request_id"`
		Provider  string        `json:"provider,omitempty"`
	} `json:"error"`
}

func writeGatewayError(c *gin.Context, ge *gwerrors.GatewayError) {
	var body wireError
	body.Error.Kind = ge.Kind
	body.Error.Message = ge.Message
	body.Error.RequestID = ge.RequestID
	body.Error.Provider = ge.Provider
	c.JSON(ge.Kind.HTTPStatus(), body)
}

func authError(requestID string) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{Kind: gwerrors.KindAuth, Message: "missing or invalid bearer token", RequestID: requestID}
}

func validationError(requestID, message string) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{Kind: gwerrors.KindValidation, Message: message, RequestID: requestID}
}

func notFoundError(requestID, message string) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{Kind: gwerrors.KindNotFound, Message: message, RequestID: requestID}
}

func rateLimitedError(requestID, message string) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{Kind: gwerrors.KindRateLimited, Message: message, RequestID: requestID}
}

func internalError(requestID, message string) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{Kind: gwerrors.KindInternal, Message: message, RequestID: requestID}
}
