// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package utils

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a setup problem that cannot be fixed by retrying:
// an unknown prompt template, a missing base model, or a tokenizer without a
// usable end-of-sequence / padding token.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func NewConfigurationError(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// WrapConfigurationError keeps err, typically a knative FieldError, in the chain.
func WrapConfigurationError(field, reason string, err error) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf("%s: %v", reason, err), Err: err}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether any error in err's chain is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
