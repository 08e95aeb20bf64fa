/*
 * Copyright 2024-2025 Raamsri Kumar <raam@tinkershack.in>
 * Copyright 2024-2025 The StrataSTOR Authors and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

func (e *ArbiterError) Error() string {
	msg := fmt.Sprintf("[%s-%d] %s", e.Domain, e.Code, e.Message)
	if e.Details != "" {
		msg += " - " + e.Details
	}
	if e.Metadata != nil {
		if stderr, ok := e.Metadata["stderr"]; ok && stderr != "" {
			msg += "\nHelper output: " + stderr
		}
	}
	return msg
}

func (e *ArbiterError) WithMetadata(key, value string) *ArbiterError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// MarshalJSON customizes JSON serialization
func (e *ArbiterError) MarshalJSON() ([]byte, error) {
	type Alias ArbiterError
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// New creates a new ArbiterError
func New(code ErrorCode, details string) *ArbiterError {
	def, ok := errorDefinitions[code]
	if !ok {
		return &ArbiterError{
			Code:        code,
			Domain:      "UNKNOWN",
			Message:     "Unknown error",
			Details:     details,
			ArbiterCode: NotReady,
			HTTPStatus:  http.StatusInternalServerError,
		}
	}

	return &ArbiterError{
		Code:        code,
		Domain:      def.domain,
		Message:     def.message,
		Details:     details,
		ArbiterCode: def.arbiterCode,
		HTTPStatus:  def.httpStatus,
	}
}

// Is implements the interface for errors.Is
func (e *ArbiterError) Is(target error) bool {
	if t, ok := target.(*ArbiterError); ok {
		return e.Code == t.Code && e.Domain == t.Domain
	}
	return false
}

// Is checks if an error matches a sentinel error
func Is(err, target error) bool {
	re, ok := err.(*ArbiterError)
	if !ok {
		return false
	}

	if t, ok := target.(*ArbiterError); ok {
		return re.Code == t.Code && re.Domain == t.Domain
	}
	return false
}

// Wrap wraps an existing error with additional context, preserving metadata
func Wrap(err error, code ErrorCode) *ArbiterError {
	if re, ok := err.(*ArbiterError); ok {
		newErr := New(code, re.Details)
		if re.Metadata != nil {
			for k, v := range re.Metadata {
				newErr.WithMetadata(k, v)
			}
		}
		newErr.WithMetadata("wrapped_code", fmt.Sprintf("%d", re.Code))
		newErr.WithMetadata("wrapped_domain", string(re.Domain))
		newErr.WithMetadata("wrapped_message", re.Message)
		return newErr
	}
	return New(code, err.Error())
}

// Unwrap implements the interface for errors.Unwrap
func (e *ArbiterError) Unwrap() error {
	if e.Metadata != nil {
		if originalErr, ok := e.Metadata["wrapped_error"]; ok {
			return fmt.Errorf("%s", originalErr)
		}
	}
	return nil
}

// IsArbiterError checks if an error is an ArbiterError
func IsArbiterError(err error) bool {
	_, ok := err.(*ArbiterError)
	return ok
}

// CommandError helper for external helper execution errors
type CommandError struct {
	Command  string
	ExitCode int
	StdErr   string
}

func NewCommandError(cmd string, exitCode int, stderr string) *ArbiterError {
	return New(CommandExecution, "external helper execution failed").
		WithMetadata("command", cmd).
		WithMetadata("exit_code", fmt.Sprintf("%d", exitCode)).
		WithMetadata("stderr", stderr)
}

// GetCode extracts the error code from an error if it's an ArbiterError
func GetCode(err error) (ErrorCode, bool) {
	if err == nil {
		return 0, false
	}

	if re, ok := err.(*ArbiterError); ok {
		return re.Code, true
	}

	var arbErr *ArbiterError
	if errors.As(err, &arbErr) {
		return arbErr.Code, true
	}

	return 0, false
}

// GetErrorWithCode returns the first ArbiterError in the error chain with the
// specified code. Returns nil if no matching error is found.
func GetErrorWithCode(err error, code ErrorCode) *ArbiterError {
	if err == nil {
		return nil
	}

	if re, ok := err.(*ArbiterError); ok && re.Code == code {
		return re
	}

	var arbErr *ArbiterError
	if errors.As(err, &arbErr) && arbErr.Code == code {
		return arbErr
	}

	return nil
}

// ArbiterCodeOf reduces any error to the closed status-code taxonomy (§7)
// that crosses the session boundary. Non-ArbiterError values map to NotReady
// since they represent unclassified internal failures.
func ArbiterCodeOf(err error) ArbiterCode {
	if err == nil {
		return Success
	}
	if re, ok := err.(*ArbiterError); ok {
		return re.ArbiterCode
	}
	var arbErr *ArbiterError
	if errors.As(err, &arbErr) {
		return arbErr.ArbiterCode
	}
	return NotReady
}
