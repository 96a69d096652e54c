package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotFound           ErrCode = "NotFound"
	ErrCodeExpired            ErrCode = "Expired"
	ErrCodeViewLimitReached   ErrCode = "ViewLimitReached"
	ErrCodeLocked             ErrCode = "Locked"
	ErrCodeQuizRequired       ErrCode = "QuizRequired"
	ErrCodeQuizIncorrect      ErrCode = "QuizIncorrect"
	ErrCodePasswordRequired   ErrCode = "PasswordRequired"
	ErrCodePasswordIncorrect  ErrCode = "PasswordIncorrect"
	ErrCodeTooManyAttempts    ErrCode = "TooManyAttempts"
	ErrCodeForbidden          ErrCode = "Forbidden"
	ErrCodeBadRequest         ErrCode = "BadRequest"
	ErrCodeValidationFailed   ErrCode = "ValidationFailed"
	ErrCodeOversized          ErrCode = "Oversized"
	ErrCodeExisted            ErrCode = "Existed"
	ErrCodeServiceFailure     ErrCode = "ServiceFailure"
	ErrCodeStorageUnavailable ErrCode = "StorageUnavailable"
	ErrCodeInvariantViolation ErrCode = "InternalInvariantViolation"
)

// Details keys
const (
	DetailField    = "field"
	DetailUnlockAt = "unlockAt"
)

type Err struct {
	Code    ErrCode
	Details map[string]string
	msg     string
	cause   error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of causes associated with the error, one level of indentation per cause
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	depth := 1
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("\t", depth))
		b.WriteString("Caused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		depth++
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

func (e *Err) WithDetail(k, v string) *Err {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[k] = v
	return e
}

// Is reports whether err is an *Err carrying the given code
func Is(err error, code ErrCode) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func newErr(code ErrCode, m string) *Err {
	return &Err{Code: code, msg: m}
}

// prefer NewXXX(msg).WithCause(cause) over NewXXX(msg, cause) so that the cause is explicit at call site
func NewServiceFailure(m string) *Err { return newErr(ErrCodeServiceFailure, m) }
func NewStorageUnavailable(m string) *Err { return newErr(ErrCodeStorageUnavailable, m) }
func NewInvariantViolation(m string) *Err { return newErr(ErrCodeInvariantViolation, m) }
func NewNotFound(m string) *Err { return newErr(ErrCodeNotFound, m) }
func NewBadInput(m string) *Err { return newErr(ErrCodeBadRequest, m) }
func NewOversized(m string) *Err { return newErr(ErrCodeOversized, m) }
func NewExisted(m string) *Err { return newErr(ErrCodeExisted, m) }
func NewForbidden(m string) *Err { return newErr(ErrCodeForbidden, m) }
func NewExpired(m string) *Err { return newErr(ErrCodeExpired, m) }
func NewViewLimitReached(m string) *Err { return newErr(ErrCodeViewLimitReached, m) }
func NewQuizRequired(m string) *Err { return newErr(ErrCodeQuizRequired, m) }
func NewQuizIncorrect(m string) *Err { return newErr(ErrCodeQuizIncorrect, m) }
func NewPasswordRequired(m string) *Err { return newErr(ErrCodePasswordRequired, m) }
func NewPasswordIncorrect(m string) *Err { return newErr(ErrCodePasswordIncorrect, m) }
func NewTooManyAttempts(m string) *Err { return newErr(ErrCodeTooManyAttempts, m) }

// NewValidationFailed reports a rejected input field
func NewValidationFailed(field, reason string) *Err {
	return newErr(ErrCodeValidationFailed, reason).WithDetail(DetailField, field)
}

// NewLocked reports an artifact which cannot be accessed until the given RFC3339 instant
func NewLocked(m, until string) *Err {
	return newErr(ErrCodeLocked, m).WithDetail(DetailUnlockAt, until)
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeExpired, ErrCodeViewLimitReached:
		return http.StatusGone
	case ErrCodeLocked:
		return http.StatusLocked
	case ErrCodeQuizRequired, ErrCodeQuizIncorrect, ErrCodePasswordRequired, ErrCodePasswordIncorrect:
		return http.StatusUnauthorized
	case ErrCodeTooManyAttempts:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBadRequest, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeOversized:
		return http.StatusRequestEntityTooLarge
	case ErrCodeExisted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Denial reports whether the error is an expected, user-facing access outcome rather than a failure
func (e *Err) Denial() bool {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeExpired, ErrCodeViewLimitReached, ErrCodeLocked,
		ErrCodeQuizRequired, ErrCodeQuizIncorrect, ErrCodePasswordRequired, ErrCodePasswordIncorrect,
		ErrCodeTooManyAttempts, ErrCodeForbidden:
		return true
	}
	return false
}
