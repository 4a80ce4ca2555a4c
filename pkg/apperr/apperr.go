package apperr

import (
	"errors"
	"net/http"
)

// Kind 错误类别，决定 HTTP 状态码
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindStorage     // 对象存储失败
	KindPayment     // 支付渠道失败，调用方可重试
	KindPersistence // 数据库失败
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindPayment:
		return "payment"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// HTTPStatus 错误类别对应的状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error 业务错误
//
// Message 可以直接返回给调用方；Err 是底层错误，只写日志（开发模式下才会回显）
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error { return New(KindValidation, message) }

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

func Forbidden(message string) *Error { return New(KindForbidden, message) }

func NotFound(message string) *Error { return New(KindNotFound, message) }

func Storage(message string, err error) *Error { return Wrap(KindStorage, message, err) }

func Payment(message string, err error) *Error { return Wrap(KindPayment, message, err) }

func Persistence(message string, err error) *Error { return Wrap(KindPersistence, message, err) }

// KindOf 取出错误类别，非 *Error 视为内部错误
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误是否属于某个类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
