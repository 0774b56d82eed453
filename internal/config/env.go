package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

const EnvPrefix = "STASHD_"

// EnvName returns the environment variable that overrides the field at the
// given json path, e.g. "notify.telegram.token" -> STASHD_NOTIFY_TELEGRAM_TOKEN.
func EnvName(path ...string) string {
	return EnvPrefix + strcase.ToScreamingSnake(strings.Join(path, "_"))
}

// applyEnv overrides scalar fields of cfg from the environment. Lists take a
// comma separated value.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return walkEnv(reflect.ValueOf(cfg).Elem(), nil, lookup)
}

func walkEnv(v reflect.Value, path []string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		p := append(append([]string(nil), path...), name)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			if err := walkEnv(fv, p, lookup); err != nil {
				return err
			}
			continue
		}
		key := EnvName(p...)
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(fv, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var parts []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		v.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}
