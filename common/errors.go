package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ErrorCode string

//
// Base Types
//

type BaseError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

func (e *BaseError) Error() string {
	var detailsStr string
	if len(e.Details) > 0 {
		parts := make([]string, 0, len(e.Details))
		for k, v := range e.Details {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		detailsStr = " (" + strings.Join(parts, ", ") + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s -> %s", e.Code, e.Message, detailsStr, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s%s", e.Code, e.Message, detailsStr)
}

func (e *BaseError) Base() *BaseError {
	return e
}

func (e *BaseError) CodeChain() string {
	if e.Cause != nil {
		var se StandardError
		if errors.As(e.Cause, &se) {
			return fmt.Sprintf("%s <- %s", e.Code, se.CodeChain())
		}
	}
	return string(e.Code)
}

type StandardError interface {
	error
	Base() *BaseError
	CodeChain() string
}

type ErrorWithStatusCode interface {
	ErrorStatusCode() int
}

type ErrorWithBody interface {
	ErrorResponseBody() interface{}
}

// HasErrorCode reports whether err or any error in its cause chain carries one of the codes.
func HasErrorCode(err error, codes ...ErrorCode) bool {
	for err != nil {
		if se, ok := err.(StandardError); ok {
			for _, c := range codes {
				if se.Base().Code == c {
					return true
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

func IsNull(err interface{}) bool {
	if err == nil {
		return true
	}
	if be, ok := err.(*BaseError); ok {
		return be == nil
	}
	return false
}

// GatewayErrorBody is the wire shape returned to clients for handled failures.
type GatewayErrorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

const (
	GatewayCodeOrdersFailed    = 1000
	GatewayCodeTokenFailed     = 1010
	GatewayCodeHealthFailed    = 1020
	GatewayCodeRequestFailed   = 2000
	GatewayCodeRateLimited     = 2001
	GatewayCodeInvalidArgument = 4000
)

//
// Configuration
//

const ErrCodeInvalidConfig ErrorCode = "ErrInvalidConfig"

type ErrInvalidConfig struct{ BaseError }

var NewErrInvalidConfig = func(message string) error {
	return &ErrInvalidConfig{
		BaseError{
			Code:    ErrCodeInvalidConfig,
			Message: message,
		},
	}
}

//
// Storage
//

const ErrCodeRecordNotFound ErrorCode = "ErrRecordNotFound"

type ErrRecordNotFound struct{ BaseError }

var NewErrRecordNotFound = func(key string, driver string) error {
	return &ErrRecordNotFound{
		BaseError{
			Code:    ErrCodeRecordNotFound,
			Message: "record not found",
			Details: map[string]interface{}{
				"key":    key,
				"driver": driver,
			},
		},
	}
}

const ErrCodeInvalidConnectorDriver ErrorCode = "ErrInvalidConnectorDriver"

type ErrInvalidConnectorDriver struct{ BaseError }

var NewErrInvalidConnectorDriver = func(driver string) error {
	return &ErrInvalidConnectorDriver{
		BaseError{
			Code:    ErrCodeInvalidConnectorDriver,
			Message: "invalid connector driver",
			Details: map[string]interface{}{
				"driver": driver,
			},
		},
	}
}

const ErrCodeLockAlreadyHeld ErrorCode = "ErrLockAlreadyHeld"

type ErrLockAlreadyHeld struct{ BaseError }

var NewErrLockAlreadyHeld = func(key string) error {
	return &ErrLockAlreadyHeld{
		BaseError{
			Code:    ErrCodeLockAlreadyHeld,
			Message: "lock is already held",
			Details: map[string]interface{}{
				"key": key,
			},
		},
	}
}

const ErrCodeConnectorNotReady ErrorCode = "ErrConnectorNotReady"

type ErrConnectorNotReady struct{ BaseError }

var NewErrConnectorNotReady = func(id string) error {
	return &ErrConnectorNotReady{
		BaseError{
			Code:    ErrCodeConnectorNotReady,
			Message: "connector is not connected yet",
			Details: map[string]interface{}{
				"connector": id,
			},
		},
	}
}

//
// Directory and indexers
//

const ErrCodeDirectoryRequest ErrorCode = "ErrDirectoryRequest"

type ErrDirectoryRequest struct{ BaseError }

var NewErrDirectoryRequest = func(url string, statusCode int, cause error) error {
	return &ErrDirectoryRequest{
		BaseError{
			Code:    ErrCodeDirectoryRequest,
			Message: "network directory request failed",
			Cause:   cause,
			Details: map[string]interface{}{
				"url":        url,
				"statusCode": statusCode,
			},
		},
	}
}

const ErrCodeIndexerRequest ErrorCode = "ErrIndexerRequest"

type ErrIndexerRequest struct{ BaseError }

var NewErrIndexerRequest = func(indexer string, url string, statusCode int, cause error) error {
	return &ErrIndexerRequest{
		BaseError{
			Code:    ErrCodeIndexerRequest,
			Message: "request to indexer failed",
			Cause:   cause,
			Details: map[string]interface{}{
				"indexer":    indexer,
				"url":        url,
				"statusCode": statusCode,
			},
		},
	}
}

const ErrCodeNoOrdersAvailable ErrorCode = "ErrNoOrdersAvailable"

type ErrNoOrdersAvailable struct{ BaseError }

var NewErrNoOrdersAvailable = func(deploymentId string, message string) error {
	return &ErrNoOrdersAvailable{
		BaseError{
			Code:    ErrCodeNoOrdersAvailable,
			Message: message,
			Details: map[string]interface{}{
				"deploymentId": deploymentId,
			},
		},
	}
}

const ErrCodeOrderManagerClosed ErrorCode = "ErrOrderManagerClosed"

type ErrOrderManagerClosed struct{ BaseError }

var NewErrOrderManagerClosed = func(key string) error {
	return &ErrOrderManagerClosed{
		BaseError{
			Code:    ErrCodeOrderManagerClosed,
			Message: "order manager has been cleaned up",
			Details: map[string]interface{}{
				"key": key,
			},
		},
	}
}

//
// Gateway surface
//

const ErrCodeInvalidDeploymentId ErrorCode = "ErrInvalidDeploymentId"

type ErrInvalidDeploymentId struct{ BaseError }

var NewErrInvalidDeploymentId = func(origin string) error {
	return &ErrInvalidDeploymentId{
		BaseError{
			Code:    ErrCodeInvalidDeploymentId,
			Message: fmt.Sprintf("Invalid deploymentId [ %s ]", origin),
		},
	}
}

const ErrCodeDeploymentNotResolved ErrorCode = "ErrDeploymentNotResolved"

type ErrDeploymentNotResolved struct{ BaseError }

var NewErrDeploymentNotResolved = func(message string) error {
	return &ErrDeploymentNotResolved{
		BaseError{
			Code:    ErrCodeDeploymentNotResolved,
			Message: message,
		},
	}
}

const ErrCodeInvalidRequest ErrorCode = "ErrInvalidRequest"

type ErrInvalidRequest struct{ BaseError }

var NewErrInvalidRequest = func(message string) error {
	return &ErrInvalidRequest{
		BaseError{
			Code:    ErrCodeInvalidRequest,
			Message: message,
		},
	}
}

func (e *ErrInvalidRequest) ErrorStatusCode() int { return http.StatusBadRequest }

func (e *ErrInvalidRequest) ErrorResponseBody() interface{} {
	return GatewayErrorBody{Code: GatewayCodeInvalidArgument, Error: e.Message}
}

const ErrCodeRateLimitExceeded ErrorCode = "ErrRateLimitExceeded"

type ErrRateLimitExceeded struct{ BaseError }

var NewErrRateLimitExceeded = func(key string) error {
	return &ErrRateLimitExceeded{
		BaseError{
			Code:    ErrCodeRateLimitExceeded,
			Message: "Rate limit exceeded",
			Details: map[string]interface{}{
				"key": key,
			},
		},
	}
}

func (e *ErrRateLimitExceeded) ErrorStatusCode() int { return http.StatusTooManyRequests }

func (e *ErrRateLimitExceeded) ErrorResponseBody() interface{} {
	return GatewayErrorBody{Code: GatewayCodeRateLimited, Error: "Rate limit exceeded"}
}

const ErrCodeRequestTimeOut ErrorCode = "ErrRequestTimeOut"

type ErrRequestTimeOut struct{ BaseError }

var NewErrRequestTimeOut = func(timeout time.Duration) error {
	return &ErrRequestTimeOut{
		BaseError{
			Code:    ErrCodeRequestTimeOut,
			Message: "Timeout",
			Details: map[string]interface{}{
				"timeout": timeout.String(),
			},
		},
	}
}

const ErrCodeRequestFailed ErrorCode = "ErrRequestFailed"

// ErrGatewayRequest wraps any failure surfaced by a gateway route with its numeric wire code.
type ErrGatewayRequest struct {
	BaseError
	wireCode   int
	statusCode int
}

var NewErrGatewayRequest = func(wireCode int, message string, cause error) error {
	return &ErrGatewayRequest{
		BaseError: BaseError{
			Code:    ErrCodeRequestFailed,
			Message: message,
			Cause:   cause,
		},
		wireCode:   wireCode,
		statusCode: http.StatusInternalServerError,
	}
}

func (e *ErrGatewayRequest) WireCode() int { return e.wireCode }

func (e *ErrGatewayRequest) ErrorStatusCode() int { return e.statusCode }

func (e *ErrGatewayRequest) ErrorResponseBody() interface{} {
	return GatewayErrorBody{Code: e.wireCode, Error: e.Message}
}

//
// Failsafe
//

const ErrCodeFailsafeRetryExceeded ErrorCode = "ErrFailsafeRetryExceeded"

type ErrFailsafeRetryExceeded struct{ BaseError }

var NewErrFailsafeRetryExceeded = func(lastErr error) error {
	return &ErrFailsafeRetryExceeded{
		BaseError{
			Code:    ErrCodeFailsafeRetryExceeded,
			Message: "failsafe retry policy exceeded",
			Cause:   lastErr,
		},
	}
}

const ErrCodeFailsafeTimeoutExceeded ErrorCode = "ErrFailsafeTimeoutExceeded"

type ErrFailsafeTimeoutExceeded struct{ BaseError }

var NewErrFailsafeTimeoutExceeded = func(cause error) error {
	return &ErrFailsafeTimeoutExceeded{
		BaseError{
			Code:    ErrCodeFailsafeTimeoutExceeded,
			Message: "failsafe timeout policy exceeded",
			Cause:   cause,
		},
	}
}

func (e *ErrFailsafeTimeoutExceeded) ErrorStatusCode() int { return http.StatusGatewayTimeout }

// ErrorSummary returns a short single-line description, used for log fields and span statuses.
func ErrorSummary(err error) string {
	if err == nil {
		return ""
	}
	var se StandardError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s: %s", se.Base().Code, se.Base().Message)
	}
	s := err.Error()
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
