package rule

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("redirect_url", validateRedirectURL); err != nil {
		panic(fmt.Sprintf("registering redirect_url validation: %v", err))
	}
	return v
}

// validateRedirectURL only admits absolute http(s) URLs so a rule can never
// produce a javascript: or data: Location.
func validateRedirectURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(strings.TrimSpace(fl.Field().String()))
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// Validate checks struct constraints and returns an error wrapping
// ErrInvalidRule describing every violation.
func Validate(r *Rule) error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := validate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", e.Namespace()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		case "redirect_url":
			messages = append(messages, fmt.Sprintf("%s must be an absolute http or https URL", e.Namespace()))
		case "gte", "lte", "gt":
			messages = append(messages, fmt.Sprintf("%s is out of range (%s %s)", e.Namespace(), e.Tag(), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(messages, "; "))
}
