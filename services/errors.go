package services

import (
	"net/http"

	"github.com/zeebo/errs"
)

// Error classes shared by the engines, the store and the HTTP layer.
var (
	ErrNotFound       = errs.Class("not found")
	ErrAlreadyExists  = errs.Class("already exists")
	ErrConflict       = errs.Class("conflict")
	ErrValidation     = errs.Class("validation error")
	ErrActionRequired = errs.Class("action required")
	ErrUpstream       = errs.Class("upstream error")
	ErrFatal          = errs.Class("fatal")
)

/**
 * Map an error to its HTTP status code
 * @param {error} err - Error returned by an engine or the store
 * @returns {int} HTTP status, 500 for unclassified errors
 */
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case ErrNotFound.Has(err):
		return http.StatusNotFound
	case ErrAlreadyExists.Has(err), ErrConflict.Has(err):
		return http.StatusConflict
	case ErrValidation.Has(err):
		return http.StatusBadRequest
	case ErrActionRequired.Has(err):
		return http.StatusPreconditionRequired
	case ErrUpstream.Has(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind 返回错误分类名称，用于日志和指标
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ErrNotFound.Has(err):
		return "not_found"
	case ErrAlreadyExists.Has(err):
		return "already_exists"
	case ErrConflict.Has(err):
		return "conflict"
	case ErrValidation.Has(err):
		return "validation"
	case ErrActionRequired.Has(err):
		return "action_required"
	case ErrUpstream.Has(err):
		return "upstream"
	default:
		return "fatal"
	}
}

// classify 未分类的错误归为Fatal
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range errorClasses() {
		if c.Has(err) {
			return err
		}
	}
	return ErrFatal.Wrap(err)
}
