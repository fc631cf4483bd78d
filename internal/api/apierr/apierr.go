// Package apierr renders gateway errors as JSON responses. Every error body
// has the form {"kind": "<tag>", "error": "<detail>"}, with extra fields for
// kinds that carry structured data.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

var statuses = map[gateway.Kind]int{
	gateway.KindValidation:         http.StatusBadRequest,
	gateway.KindUnsupportedAdapter: http.StatusBadRequest,
	gateway.KindMissingCredentials: http.StatusBadRequest,
	gateway.KindDecryption:         http.StatusUnprocessableEntity,
	gateway.KindNotFound:           http.StatusNotFound,
	gateway.KindConnectionFailure:  http.StatusBadGateway,
	gateway.KindPartialMove:        http.StatusBadGateway,
	gateway.KindQuotaExceeded:      http.StatusRequestEntityTooLarge,
	gateway.KindConflict:           http.StatusConflict,
	gateway.KindUnauthorized:       http.StatusUnauthorized,
	gateway.KindInternal:           http.StatusInternalServerError,
}

// Status returns the HTTP status for kind.
func Status(kind gateway.Kind) int {
	if s, ok := statuses[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body builds the JSON error body for err.
func Body(err error) (int, gin.H) {
	kind := gateway.KindOf(err)
	msg := err.Error()
	if kind == gateway.KindInternal {
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			msg = "internal error"
		}
	}

	body := gin.H{"kind": string(kind), "error": msg}

	var missing *adapter.MissingCredentialError
	if errors.As(err, &missing) {
		body["missing"] = missing.Fields
	}
	var quota *gateway.QuotaExceededError
	if errors.As(err, &quota) {
		body["requested"] = quota.Requested
		body["storageUsed"] = quota.Used
		body["storageLimit"] = quota.Limit
	}
	var ve *gateway.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	return Status(kind), body
}

// Abort writes err and stops the handler chain. Server-side faults are logged
// with the request id.
func Abort(c *gin.Context, err error) {
	status, body := Body(err)
	if status >= http.StatusInternalServerError {
		middleware.RequestLogger(c).Error("request failed", "kind", body["kind"], "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

// Invalid aborts with a validation error for field.
func Invalid(c *gin.Context, field, message string) {
	Abort(c, &gateway.ValidationError{Field: field, Message: message})
}

// Owner returns the authenticated caller, aborting with 401 when there is none.
func Owner(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.GetUserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"kind":  string(gateway.KindUnauthorized),
			"error": "authentication required",
		})
	}
	return id, ok
}

// ParamUUID parses the named path parameter.
func ParamUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		Invalid(c, name, "must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
