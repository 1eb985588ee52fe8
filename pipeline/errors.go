package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindDecode       ErrorKind = "decode_error"
	KindNotFound     ErrorKind = "not_found"
	KindCollaborator ErrorKind = "collaborator_failure"
	KindInternal     ErrorKind = "internal"
	KindInvalid      ErrorKind = "invalid_request"
	KindTooLarge     ErrorKind = "too_large"
)

// Error 带分类和 HTTP 状态码的请求错误
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewDecodeError(message string, cause error) *Error {
	return &Error{Kind: KindDecode, Message: message, StatusCode: http.StatusBadRequest, Cause: cause}
}

func NewNotFoundError(message string, cause error) *Error {
	return &Error{Kind: KindNotFound, Message: message, StatusCode: http.StatusNotFound, Cause: cause}
}

func NewCollaboratorError(message string, cause error) *Error {
	return &Error{Kind: KindCollaborator, Message: message, StatusCode: http.StatusBadGateway, Cause: cause}
}

func NewInternalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, StatusCode: http.StatusInternalServerError, Cause: cause}
}

func NewInvalidRequestError(message string, cause error) *Error {
	return &Error{Kind: KindInvalid, Message: message, StatusCode: http.StatusBadRequest, Cause: cause}
}

func NewTooLargeError(message string, cause error) *Error {
	return &Error{Kind: KindTooLarge, Message: message, StatusCode: http.StatusRequestEntityTooLarge, Cause: cause}
}

// KindOf 非 *Error 的错误一律视为 internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}
