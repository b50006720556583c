// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError is returned for invalid or mutually exclusive configuration, and for batches
// missing a field the configuration requires. It is fatal: the loop is not meant to be retried
// with the same configuration.
type ConfigurationError struct {
	// Param is the hyperparameter or batch field at fault.
	Param  string
	Reason string
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Param, e.Reason)
}

func configErrorf(param, format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Param: param, Reason: fmt.Sprintf(format, args...)})
}

// IsConfigurationError returns whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}
