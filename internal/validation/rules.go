// Package validation provides custom validation rules for the application.
package validation

import (
	"net"
	"strconv"

	validation "github.com/jellydator/validation"

	apperrors "github.com/sessionkit/cryptolink/internal/errors"
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput.
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// HostPort validates a "host:port" endpoint string.
func HostPort(value any) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_host_port", "endpoint must be a string")
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return validation.NewError("validation_host_port", "endpoint must be in host:port form")
	}
	if host == "" {
		return validation.NewError("validation_host_port_host", "endpoint host cannot be empty")
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return validation.NewError("validation_host_port_port", "endpoint port must be between 1 and 65535")
	}

	return nil
}
