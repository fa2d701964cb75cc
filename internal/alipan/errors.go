// Package alipan implements a storage provider for the Alipan (Aliyun Drive)
// OpenAPI: token refresh, per-account rate limiting, path resolution over
// paginated listings, and chunked uploads with content-hash rapid upload.
package alipan

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, alipan.ErrUnauthorized) to check.
var (
	ErrBadRequest    = errors.New("alipan: bad request")
	ErrUnauthorized  = errors.New("alipan: unauthorized")
	ErrForbidden     = errors.New("alipan: forbidden")
	ErrNotFound      = errors.New("alipan: not found")
	ErrConflict      = errors.New("alipan: conflict")
	ErrThrottled     = errors.New("alipan: throttled")
	ErrServerError   = errors.New("alipan: server error")
	ErrRequestFailed = errors.New("alipan: request failed")
)

// Token consistency errors. These are fatal: retrying cannot fix a
// structurally bad refresh response.
var (
	ErrMissingToken         = errors.New("alipan: refresh response is missing tokens")
	ErrMalformedToken       = errors.New("alipan: refresh token is not a valid JWT")
	ErrTokenSubjectMismatch = errors.New("alipan: refreshed token belongs to a different subject")
)

// Other failures.
var (
	ErrNoDrive       = errors.New("alipan: account has no usable drive")
	ErrNoDownloadURL = errors.New("alipan: no download url")
	ErrPartUpload    = errors.New("alipan: part upload failed")
	ErrInvalidConfig = errors.New("alipan: invalid configuration")
)

// Application error codes returned in the {code, message} envelope.
const (
	codePreHashMatched = "PreHashMatched"
)

// tokenErrorCodes mark an access token the server no longer accepts.
var tokenErrorCodes = map[string]bool{
	"AccessTokenInvalid": true,
	"AccessTokenExpired": true,
	"I400JD":             true,
}

// APIError is a failed API call. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Endpoint   string
	Code       string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("alipan: %s: HTTP %d: %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("alipan: %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// 2xx responses that still carry an error code map to ErrRequestFailed.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrRequestFailed
	}
}

// isTokenError reports whether err means the access token was rejected and a
// refresh might help.
func isTokenError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.StatusCode == http.StatusUnauthorized || tokenErrorCodes[apiErr.Code]
}

// hasCode reports whether err is an APIError carrying code.
func hasCode(err error, code string) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.Code == code
}
