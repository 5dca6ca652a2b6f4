package config

import (
	stderrors "errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct validates v with its `validate` tags and converts failures
// into a validation error listing every offending field.
func ValidateStruct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.Wrap(err, errors.ErrorTypeValidation, "validation failed")
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fieldDescription(fe))
	}
	return errors.Newf(errors.ErrorTypeValidation, "invalid %s", strings.Join(fields, ", ")).
		WithDetail("fields", fields)
}

func fieldDescription(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if fe.Param() != "" {
		return name + " (" + fe.Tag() + "=" + fe.Param() + ")"
	}
	return name + " (" + fe.Tag() + ")"
}
