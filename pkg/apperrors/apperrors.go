package apperrors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type AppError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Fields  map[string]any `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func New(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]any),
	}
}

// WithField adds a single additional field to be serialized with the error response.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func BadRequest(message string) *AppError {
	return New(http.StatusBadRequest, message, nil)
}

func Unauthorized(message string) *AppError {
	return New(http.StatusUnauthorized, message, nil)
}

func Forbidden(message string) *AppError {
	return New(http.StatusForbidden, message, nil)
}

func NotFound(message string) *AppError {
	return New(http.StatusNotFound, message, nil)
}

func Conflict(message string) *AppError {
	return New(http.StatusConflict, message, nil)
}

func PayloadTooLarge(message string) *AppError {
	return New(http.StatusRequestEntityTooLarge, message, nil)
}

// RateLimited carries the retry hint; retryAfter <= 0 omits the header.
func RateLimited(message string, retryAfter int) *AppError {
	e := New(http.StatusTooManyRequests, message, nil)
	if retryAfter > 0 {
		e = e.WithField("retry_after", retryAfter)
	}
	return e
}

func InternalServerError(message string, err error) *AppError {
	return New(http.StatusInternalServerError, message, err)
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	if err.Code == http.StatusTooManyRequests {
		if v, ok := err.Fields["retry_after"]; ok {
			switch t := v.(type) {
			case int:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(t))
				}
			case int64:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(t, 10))
				}
			case float64:
				if t > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(t)))
				}
			}
		}
	}
	w.WriteHeader(err.Code)
	payload := map[string]any{
		"error": err.Message,
		"code":  err.Code,
	}
	for k, v := range err.Fields {
		if k == "error" || k == "code" {
			continue
		}
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}
