package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// envDecoder parses the raw value of one environment variable.
type envDecoder func(raw string) (any, error)

var durationType = reflect.TypeOf(time.Duration(0))

var envDecoders = map[reflect.Type]envDecoder{
	reflect.TypeOf(""): func(raw string) (any, error) { return raw, nil },
	reflect.TypeOf(0): func(raw string) (any, error) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	},
	reflect.TypeOf(false): func(raw string) (any, error) {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return b, nil
	},
	durationType: func(raw string) (any, error) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("not a duration: %q", raw)
		}
		return d, nil
	},
	reflect.TypeOf([]string(nil)): func(raw string) (any, error) {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	},
}

// LoadFromEnv overrides the fields of the struct cfg points to with the
// TRACECOV_* variables named by their `env` tags, descending into nested
// structs. Unset or empty variables leave a field alone. Every malformed
// variable is reported.
func LoadFromEnv(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("LoadFromEnv needs a pointer to a struct, got %T", cfg)
	}

	var errs []error
	walkEnvFields(v.Elem(), func(field reflect.Value, name, key string) {
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			return
		}
		decode, ok := envDecoders[field.Type()]
		if !ok {
			errs = append(errs, fmt.Errorf("%s (%s): unsupported type %s", key, name, field.Type()))
			return
		}
		val, err := decode(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", key, name, err))
			return
		}
		field.Set(reflect.ValueOf(val).Convert(field.Type()))
	})
	return errors.Join(errs...)
}

func walkEnvFields(v reflect.Value, fn func(field reflect.Value, name, key string)) {
	t := v.Type()
	for i := range t.NumField() {
		sf, field := t.Field(i), v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			walkEnvFields(field, fn)
			continue
		}
		if key := sf.Tag.Get("env"); key != "" {
			fn(field, sf.Name, key)
		}
	}
}
