package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/admit/ratelimit"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "routes[0].limit.algorithm").
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError holds every validation error found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg and returns a ValidationError listing every problem, or
// nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, FieldError{
				Field:   fieldPath(fe.Namespace()),
				Message: tagMessage(fe),
			})
		}
	}

	errs = append(errs, validateRoutes(cfg)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateRoutes(cfg *Config) []FieldError {
	var errs []FieldError
	seen := make(map[string]int, len(cfg.Routes))

	for i, r := range cfg.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)

		if r.Name != "" {
			if first, dup := seen[r.Name]; dup {
				errs = append(errs, FieldError{
					Field:   prefix + ".name",
					Message: fmt.Sprintf("duplicate route name %q (also routes[%d])", r.Name, first),
				})
			} else {
				seen[r.Name] = i
			}
		}

		if _, err := r.CallerDimensions(); err != nil {
			errs = append(errs, FieldError{Field: prefix + ".caller_by", Message: err.Error()})
		}

		if err := r.Limit.Validate(); err != nil {
			field := prefix + ".limit"
			var cfgErr *ratelimit.ConfigError
			if errors.As(err, &cfgErr) && cfgErr.Field != "" {
				field += "." + cfgErr.Field
				err = cfgErr.Err
			}
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
		}

		if r.Limit.Store == ratelimit.RemoteStore && !cfg.Redis.Enabled {
			errs = append(errs, FieldError{
				Field:   prefix + ".limit.store",
				Message: "remote store requires redis.enabled",
			})
		}
	}
	return errs
}

// fieldPath turns a validator namespace ("Config.routes[0].name") into a
// dotted config path ("routes[0].name").
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "excludes":
		return fmt.Sprintf("must not contain %q", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %s=%s (value %v)", fe.Tag(), fe.Param(), fe.Value())
	}
}
