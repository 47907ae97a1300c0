package provider

import (
	"context"
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnsupportedProvider Code = "UNSUPPORTED_PROVIDER"
	CodeInvalidPrompt       Code = "INVALID_PROMPT"
	CodeInputNotFound       Code = "INPUT_NOT_FOUND"
	CodeNotLoggedIn         Code = "NOT_LOGGED_IN"
	CodeNavigationFailed    Code = "NAVIGATION_FAILED"
	CodeSubmitFailed        Code = "SUBMIT_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeCancelled           Code = "CANCELLED"
	CodeBrowserMissing      Code = "BROWSER_MISSING"
	CodeExtractionFailed    Code = "EXTRACTION_FAILED"
	CodeInternal            Code = "INTERNAL"

	// Reported by content scripts and the processor.
	CodePromptEcho          Code = "PROMPT_ECHO"
	CodeBridgeCaptureFailed Code = "BRIDGE_CAPTURE_FAILED"
)

var knownCodes = map[Code]struct{}{
	CodeUnsupportedProvider: {},
	CodeInvalidPrompt:       {},
	CodeInputNotFound:       {},
	CodeNotLoggedIn:         {},
	CodeNavigationFailed:    {},
	CodeSubmitFailed:        {},
	CodeTimeout:             {},
	CodeCancelled:           {},
	CodeBrowserMissing:      {},
	CodeExtractionFailed:    {},
	CodeInternal:            {},
	CodePromptEcho:          {},
	CodeBridgeCaptureFailed: {},
}

// KnownCode reports whether code belongs to the taxonomy.
func KnownCode(code Code) bool {
	_, ok := knownCodes[code]
	return ok
}

// Error is a remote-execution failure carrying a taxonomy code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err. Context errors map to
// TIMEOUT and CANCELLED; anything else untyped is INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}
