// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// Response is the JSON body written for failed requests.
type Response struct {
	Error string `json:"error"`
}

// publicMessages are the client-facing texts for well-known failures.
var publicMessages = []struct {
	err error
	msg string
}{
	{brokererrors.ErrInvalidCredentials, "Invalid credentials"},
	{brokererrors.ErrNoActiveSession, "No active session"},
	{brokererrors.ErrInvalidSession, "Invalid session"},
	{brokererrors.ErrNotAuthenticated, "Not authenticated"},
	{brokererrors.ErrAccessDenied, "Access denied"},
	{brokererrors.ErrRateLimited, "Too many requests"},
	{brokererrors.ErrInvalidRequest, "Invalid request"},
}

type messageError struct {
	err error
	msg string
}

func (e *messageError) Error() string { return e.err.Error() }
func (e *messageError) Unwrap() error { return e.err }

// WithMessage attaches the text a client sees for a 4xx error. Status code
// and errors.Is behaviour still come from err.
func WithMessage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &messageError{err: err, msg: msg}
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into JSON error responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - For 5xx errors: logs full error details, returns the status text only
//   - For 4xx errors: returns the public message for the error
//
// Usage:
//
//	r.Post("/login", apierrors.ErrorHandler(routes.login))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := brokererrors.Code(err)

		if code >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("request failed",
				"method", r.Method, "path", r.URL.Path, "status", code, "error", err)
			Write(w, code, http.StatusText(code))
			return
		}

		Write(w, code, PublicMessage(err))
	}
}

// PublicMessage returns the text safe to show a client for a 4xx error.
func PublicMessage(err error) string {
	var me *messageError
	if errors.As(err, &me) {
		return me.msg
	}
	for _, pm := range publicMessages {
		if errors.Is(err, pm.err) {
			return pm.msg
		}
	}
	return http.StatusText(brokererrors.Code(err))
}

// Write sends a JSON error body with the given status.
func Write(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(Response{Error: msg}); err != nil {
		logger.Debugw("failed to write error response", "error", err)
	}
}
