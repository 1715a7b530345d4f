package admit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, key := range []string{"json", "query"} {
			if name := strings.SplitN(fld.Tag.Get(key), ",", 2)[0]; name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// MaxBodySize returns middleware that limits request bodies to maxBytes.
// Requests declaring a larger Content-Length are rejected with 413 before the
// handler runs. Other bodies are wrapped with http.MaxBytesReader, so JSON
// reports ErrPayloadTooLarge when a chunked body runs over.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				respondError(w, r, HasState(r.Context()), ErrPayloadTooLarge.With("Request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// JSON decodes the request body into dest and validates it with its
// `validate` struct tags. It returns false when either step fails, after
// recording ErrBadRequest, ErrPayloadTooLarge or a validation error with
// SetError.
func JSON(r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			SetError(r, ErrPayloadTooLarge.With("Request body too large"))
		} else {
			SetError(r, ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}
	return validateRequest(r, dest)
}

// Query decodes query parameters into the `query`-tagged fields of dest and
// validates it. Failures are recorded like JSON.
func Query(r *http.Request, dest any) bool {
	if err := decodeQuery(r, dest); err != nil {
		SetError(r, ErrBadRequest.With("Invalid query parameters"))
		return false
	}
	return validateRequest(r, dest)
}

func validateRequest(r *http.Request, dest any) bool {
	err := validate.Struct(dest)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		SetError(r, NewValidationError([]FieldError{{Code: "validation", Message: err.Error()}}))
		return false
	}

	fields := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = FieldError{
			Param:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe.Tag(), fe.Param()),
		}
	}
	SetError(r, NewValidationError(fields))
	return false
}

func fieldMessage(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a non-nil pointer to struct")
	}
	v := rv.Elem()
	t := v.Type()
	query := r.URL.Query()

	for i := range t.NumField() {
		name := strings.SplitN(t.Field(i).Tag.Get("query"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		field := v.Field(i)
		value := query.Get(name)
		if value == "" || !field.CanSet() {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
