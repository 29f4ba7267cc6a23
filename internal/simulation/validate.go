package simulation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/period"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	// Report fields by their config file names.
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
}

// Validate checks cfg and returns the parsed frequency. Every failure is an
// *api.ConfigError, and none of the checks draws a random number or touches
// data.
func Validate(cfg api.Config) (period.Frequency, error) {
	switch cfg.Method {
	case api.MethodOLS, api.MethodMLM:
	default:
		return period.Frequency{}, &api.ConfigError{
			Field:  "method",
			Reason: fmt.Sprintf("method %q is not implemented (want one of %v)", cfg.Method, api.Methods()),
		}
	}
	if cfg.Agg && cfg.Method == api.MethodMLM {
		return period.Frequency{}, &api.ConfigError{
			Field:  "agg",
			Reason: "aggregation is not supported for method mlm",
		}
	}

	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return period.Frequency{}, &api.ConfigError{
				Field:  fe.Field(),
				Reason: fmt.Sprintf("failed %q check (got %v)", fe.Tag(), fe.Value()),
			}
		}
		return period.Frequency{}, &api.ConfigError{Reason: err.Error()}
	}

	freq, err := period.ParseFrequency(cfg.Frequency)
	if err != nil {
		return period.Frequency{}, &api.ConfigError{Field: "frequency", Reason: err.Error()}
	}
	return freq, nil
}
