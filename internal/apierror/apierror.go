/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

var httpStatus = map[ErrorCode]int{
	ErrNotFound:       http.StatusNotFound,
	ErrConflict:       http.StatusConflict,
	ErrBadRequest:     http.StatusBadRequest,
	ErrInvalidInput:   http.StatusBadRequest,
	ErrUnavailable:    http.StatusServiceUnavailable,
	ErrInternalServer: http.StatusInternalServerError,
}

// APIError is returned by the storage layer and the operator API. Details may hold the
// underlying error, which stays reachable through errors.Is.
type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

// Status is the HTTP status for the error code.
func (e APIError) Status() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewAPIError logs everything except lookups that found nothing.
func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if code != ErrNotFound {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status()
	}
	return http.StatusInternalServerError
}

// Body is the JSON the API writes for err. Errors that are not an APIError are reported
// without their text.
func Body(err error) map[string]string {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return map[string]string{"code": string(ErrInternalServer), "error": "internal error"}
	}
	return map[string]string{"code": string(apiErr.Code), "error": apiErr.Error()}
}
