// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package structures

import "fmt"

// ValidationError is returned by constructors when a value cannot be
// represented on the wire or is rejected by TPM consistency rules.
type ValidationError struct {
	Structure string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("structures: invalid %s.%s: %s", e.Structure, e.Field, e.Reason)
}

// DecodeError is returned by the Unmarshal functions. Field names the
// element that could not be read or failed validation.
type DecodeError struct {
	Structure string
	Field     string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("structures: decoding %s.%s: %v", e.Structure, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func invalid(structure, field, format string, args ...any) *ValidationError {
	return &ValidationError{Structure: structure, Field: field, Reason: fmt.Sprintf(format, args...)}
}
