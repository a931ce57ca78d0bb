package firmware

import (
	"github.com/juju/errors"
)

// Code is wire error kind, sent to gateway as "ERR:<CODE>".
type Code string

const (
	CodeFileNotFound     Code = "FILE_NOT_FOUND"
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeFirmwareNotFound Code = "FIRMWARE_NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNotScheduled     Code = "NOT_SCHEDULED"
	CodeChecksum         Code = "CHECKSUM_ERROR"
	CodeUnknown          Code = "UNKNOWN_ERROR"
)

// Codes in precedence order, CodeUnknown last.
var Codes = []Code{
	CodeFileNotFound,
	CodeAccessDenied,
	CodeFirmwareNotFound,
	CodeUnauthorized,
	CodeNotScheduled,
	CodeChecksum,
	CodeUnknown,
}

// Error carries Code raised by the step that failed.
type Error struct {
	Code Code
	Err  error
}

func (self *Error) Error() string { return string(self.Code) + ": " + self.Err.Error() }

func NewError(code Code, err error) error { return &Error{Code: code, Err: err} }

func Errorf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Err: errors.Errorf(format, args...)}
}

// CodeOf returns "" for nil, CodeUnknown for errors without Code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		for _, c := range Codes {
			if e.Code == c {
				return c
			}
		}
	}
	return CodeUnknown
}

// IsIntegrity reports size or checksum mismatch.
func IsIntegrity(err error) bool { return CodeOf(err) == CodeChecksum }
