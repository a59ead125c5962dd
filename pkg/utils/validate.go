package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(value any) error {
	if err := validate.Struct(value); err != nil {
		return ValidationErrorToString(value, err)
	}
	return nil
}

// ValidationErrorToString flattens field errors into one readable message.
func ValidationErrorToString(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("field '%s' failed rule '%s=%s', got '%v'", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		parts = append(parts, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid %T: %s", input, strings.Join(parts, "; "))
}
