/*
Copyright 2025.

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

package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorizes a failure for retry and reporting decisions.
type ErrorKind string

const (
	// ErrorKindValidation indicates a malformed spec or configuration. Never retried.
	ErrorKindValidation ErrorKind = "Validation"
	// ErrorKindAuthorization indicates a request failed gating or platform auth.
	ErrorKindAuthorization ErrorKind = "Authorization"
	// ErrorKindTransient indicates a timeout, reset, 5xx or rate limit. Retriable.
	ErrorKindTransient ErrorKind = "Transient"
	// ErrorKindPermanent indicates a non-retriable platform rejection.
	ErrorKindPermanent ErrorKind = "Permanent"
	// ErrorKindResourceMissing indicates a referenced VM/template/network does not exist.
	ErrorKindResourceMissing ErrorKind = "ResourceMissing"
)

// Error is the categorized failure value produced at every boundary.
type Error struct {
	// Kind categorizes the error
	Kind ErrorKind
	// Message describes the error
	Message string
	// Field names the offending field for Validation errors
	Field string
	// PlatformCode carries the platform-native error code when known
	PlatformCode string
	// RetryAfter is an optional hint for Transient errors
	RetryAfter time.Duration
	// CorrelationID lets the Registry be queried for related events
	CorrelationID string
	// Cause contains the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether the error should be retried.
func (e *Error) IsTransient() bool {
	return e.Kind == ErrorKindTransient
}

// NewValidation creates a validation error naming the offending field.
func NewValidation(field, message string) *Error {
	return &Error{Kind: ErrorKindValidation, Field: field, Message: message}
}

// NewAuthorization creates an authorization error naming the failing rule.
func NewAuthorization(rule, message string) *Error {
	return &Error{Kind: ErrorKindAuthorization, Field: rule, Message: message}
}

// NewTransient creates a retriable error.
func NewTransient(message string, cause error) *Error {
	return &Error{Kind: ErrorKindTransient, Message: message, Cause: cause}
}

// NewTransientWithHint creates a retriable error carrying a retry-after hint.
func NewTransientWithHint(message string, cause error, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrorKindTransient, Message: message, Cause: cause, RetryAfter: retryAfter}
}

// NewPermanent creates a non-retriable error.
func NewPermanent(message string, cause error) *Error {
	return &Error{Kind: ErrorKindPermanent, Message: message, Cause: cause}
}

// NewResourceMissing creates an error for an absent VM/template/network.
func NewResourceMissing(message string, cause error) *Error {
	return &Error{Kind: ErrorKindResourceMissing, Message: message, Cause: cause}
}

// KindOf extracts the error kind, defaulting to Permanent for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindPermanent
}

// IsTransient reports whether err is categorized as Transient.
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}

// IsValidation reports whether err is categorized as Validation.
func IsValidation(err error) bool {
	return KindOf(err) == ErrorKindValidation
}

// IsAuthorization reports whether err is categorized as Authorization.
func IsAuthorization(err error) bool {
	return KindOf(err) == ErrorKindAuthorization
}

// IsResourceMissing reports whether err is categorized as ResourceMissing.
func IsResourceMissing(err error) bool {
	return KindOf(err) == ErrorKindResourceMissing
}
