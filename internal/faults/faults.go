// Package faults defines the coded error taxonomy shared by the hosting core
// and its wire representation.
//
// Every error carries a stable machine-readable code plus optional context
// data. Two errors match under errors.Is when their codes are equal, so the
// exported sentinels can be used directly:
//
//	if errors.Is(err, faults.ErrNotStarted) { ... }
package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	AlreadyLoaded  Code = "ALREADY_LOADED"
	NotLoaded      Code = "NOT_LOADED"
	AlreadyStarted Code = "ALREADY_STARTED"
	NotStarted     Code = "NOT_STARTED"

	CommandAlreadyDefined Code = "COMMAND_ALREADY_DEFINED"
	CommandNotFound       Code = "COMMAND_NOT_FOUND"
	RequiredArgument      Code = "REQUIRED_ARGUMENT"
	InvalidCommand        Code = "INVALID_COMMAND"

	ServiceDefined       Code = "SERVICE_DEFINED"
	InterfaceTypeUnknown Code = "INTERFACE_TYPE_UNKNOWN"
	ServiceNotFound      Code = "SERVICE_NOT_FOUND"

	NoHandler           Code = "NO_HANDLER"
	MessageNotSupported Code = "MESSAGE_NOT_SUPPORTED"
	SubjectNotSupported Code = "SUBJECT_NOT_SUPPORTED"
	RequestTimeout      Code = "REQUEST_TIMEOUT"
	SendFailed          Code = "SEND_FAILED"

	ServiceStopped     Code = "SERVICE_STOPPED"
	ServiceExited      Code = "SERVICE_EXITED"
	ServiceStartFailed Code = "SERVICE_START_FAILED"
	ServiceError       Code = "SERVICE_ERROR"

	FileNotFound      Code = "FILE_NOT_FOUND"
	InvalidDefinition Code = "INVALID_DEFINITION"
	InvalidConfig     Code = "INVALID_CONFIG"

	Internal Code = "INTERNAL_ERROR"
)

var (
	ErrAlreadyLoaded         = &Error{Code: AlreadyLoaded}
	ErrNotLoaded             = &Error{Code: NotLoaded}
	ErrAlreadyStarted        = &Error{Code: AlreadyStarted}
	ErrNotStarted            = &Error{Code: NotStarted}
	ErrCommandAlreadyDefined = &Error{Code: CommandAlreadyDefined}
	ErrCommandNotFound       = &Error{Code: CommandNotFound}
	ErrRequiredArgument      = &Error{Code: RequiredArgument}
	ErrInvalidCommand        = &Error{Code: InvalidCommand}
	ErrServiceDefined        = &Error{Code: ServiceDefined}
	ErrInterfaceTypeUnknown  = &Error{Code: InterfaceTypeUnknown}
	ErrServiceNotFound       = &Error{Code: ServiceNotFound}
	ErrNoHandler             = &Error{Code: NoHandler}
	ErrMessageNotSupported   = &Error{Code: MessageNotSupported}
	ErrSubjectNotSupported   = &Error{Code: SubjectNotSupported}
	ErrRequestTimeout        = &Error{Code: RequestTimeout}
	ErrSendFailed            = &Error{Code: SendFailed}
	ErrServiceStopped        = &Error{Code: ServiceStopped}
	ErrServiceExited         = &Error{Code: ServiceExited}
	ErrServiceStartFailed    = &Error{Code: ServiceStartFailed}
	ErrServiceError          = &Error{Code: ServiceError}
	ErrFileNotFound          = &Error{Code: FileNotFound}
	ErrInvalidDefinition     = &Error{Code: InvalidDefinition}
	ErrInvalidConfig         = &Error{Code: InvalidConfig}
	ErrInternal              = &Error{Code: Internal}
)

// Data is the contextual payload attached to an error.
type Data map[string]any

// Error is a coded error with optional context data and cause.
type Error struct {
	Code    Code
	Message string
	Data    Data
	Err     error
}

// New builds a coded error.
func New(code Code, data Data, message string) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Wrap builds a coded error around a cause. A nil cause yields a plain coded error.
func Wrap(code Code, data Data, cause error) *Error {
	return &Error{Code: code, Data: data, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			b.WriteString(" ")
			b.Write(raw)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Object is the wire representation of an error.
type Object struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Data    Data   `json:"data,omitempty"`
}

// Object returns the wire representation. The message falls back to the
// cause when none was given.
func (e *Error) Object() *Object {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &Object{Code: e.Code, Message: msg, Data: maps.Clone(e.Data)}
}

// FromObject rebuilds an error from its wire representation.
func FromObject(obj *Object) *Error {
	if obj == nil {
		return nil
	}
	code := obj.Code
	if code == "" {
		code = Internal
	}
	return &Error{Code: code, Message: obj.Message, Data: maps.Clone(obj.Data)}
}

// As returns err as a coded error, wrapping uncoded errors as INTERNAL_ERROR.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return Wrap(Internal, nil, err)
}

// CodeOf returns the code of err, or the empty code when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, data Data, format string, args ...any) *Error {
	return New(code, data, fmt.Sprintf(format, args...))
}
