// Package convert is the client of the remote PDF conversion service.
//
// Every conversion is a connectivity call to the "convert_<kind>" service,
// so the transport, timeout, retry and breaker of each kind come from the
// routes table. Inputs are validated locally before anything leaves the
// process, and results are cached by content digest.
package convert

import (
	"errors"
	"fmt"
)

// Kind selects a conversion.
type Kind string

const (
	KindCompress Kind = "compress"
	KindWord     Kind = "word"
	KindPPTX     Kind = "pptx"
	KindText     Kind = "text"
	KindImage    Kind = "image"
)

// Kinds lists every conversion kind.
func Kinds() []Kind {
	return []Kind{KindCompress, KindWord, KindPPTX, KindText, KindImage}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCompress, KindWord, KindPPTX, KindText, KindImage:
		return true
	}
	return false
}

// Service is the connectivity service name of k.
func (k Kind) Service() string { return "convert_" + string(k) }

// Path is the endpoint path of k on the conversion service.
func (k Kind) Path() string {
	switch k {
	case KindCompress:
		return "/compress-pdf"
	case KindWord:
		return "/convert-pdf-to-word"
	case KindPPTX:
		return "/convert-pdf-to-pptx"
	case KindText:
		return "/convert-pdf-to-text"
	case KindImage:
		return "/convert-pdf-to-image"
	}
	return ""
}

// HealthService is the connectivity service of the remote health check.
const HealthService = "convert_health"

var (
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput = errors.New("convert: invalid input")

	// ErrTimeout is returned when the conversion did not finish in time,
	// locally or on the remote side.
	ErrTimeout = errors.New("convert: conversion timed out")

	// ErrUnavailable is returned when no route, an open breaker or a
	// transport failure keeps the call from reaching the service.
	ErrUnavailable = errors.New("convert: conversion service unavailable")
)

// RemoteError is a conversion the service attempted and refused or failed.
type RemoteError struct {
	Kind       Kind
	StatusCode int // 0 when the service answered 2xx with success=false
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("convert: %s: remote status %d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("convert: %s: %s", e.Kind, e.Message)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
