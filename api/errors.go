package api

import (
	"github.com/zeebo/errs"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/migration"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/write"
)

// ErrBadRequest is returned when the request is malformed.
var ErrBadRequest = errs.Class("bad request")

// ErrorResponse is the JSON error body, carrying its HTTP status out of
// band.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// toErrorResponse maps the service error taxonomy onto HTTP statuses.
func toErrorResponse(err error) *ErrorResponse {
	switch {
	case ErrBadRequest.Has(err),
		migration.ErrUnsafeIdentifier.Has(err),
		migration.ErrInvalidOperation.Has(err),
		query.ErrQueryFailed.Has(err),
		write.ErrQueryFailed.Has(err):
		return &ErrorResponse{StatusCode: 400, Message: err.Error()}
	case tenantdb.ErrAuthFailed.Has(err):
		return &ErrorResponse{StatusCode: 401, Message: "authorization failed"}
	case tenantdb.ErrNotFound.Has(err):
		return &ErrorResponse{StatusCode: 404, Message: err.Error()}
	default:
		return &ErrorResponse{StatusCode: 500, Message: "internal error"}
	}
}
