package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUniquePolicyNames(); err != nil {
		return err
	}
	if err := c.validateDefaultPolicy(); err != nil {
		return err
	}
	return nil
}

// validateUniquePolicyNames ensures policy names are unique. Name lookup
// is case-insensitive at runtime, so the check folds case too.
func (c *Config) validateUniquePolicyNames() error {
	seen := make(map[string]struct{}, len(c.Policies))
	for i, p := range c.Policies {
		name := strings.ToLower(p.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("policies[%d]: duplicate policy name: %s", i, p.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// validateDefaultPolicy ensures default_policy references a defined policy.
func (c *Config) validateDefaultPolicy() error {
	if c.DefaultPolicy == "" {
		return nil
	}
	want := strings.ToLower(c.DefaultPolicy)
	for _, p := range c.Policies {
		if strings.ToLower(p.Name) == want {
			return nil
		}
	}
	return fmt.Errorf("default_policy: references unknown policy: %s", c.DefaultPolicy)
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
