// Package outboxconfig loads outboxkit listener configuration from an
// environment-style string map using a dual-prefix scheme: a shared
// fallback prefix is applied first, then a component-specific prefix
// (inbox or outbox) overrides whatever it defines. Unknown keys are
// ignored; fields tagged `required:"true"` that remain zero after both
// passes fail Parse.
//
// The reflection walk and struct-tag vocabulary (`env`, `default`,
// `desc`, `required`) follow the teacher toolbox's cfgx package; this
// package generalizes cfgx's single-prefix env source into the two-pass,
// general-then-specific override the spec calls for.
package outboxconfig

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/outboxkit/outboxkit/casing"
	"github.com/outboxkit/outboxkit/outboxerr"
)

const (
	tagEnv      = "env"
	tagDefault  = "default"
	tagDesc     = "desc"
	tagRequired = "required"
)

// Options controls how Parse resolves environment variable names.
type Options struct {
	// GeneralPrefix is applied first, e.g. "OUTBOXKIT".
	GeneralPrefix string
	// SpecificPrefix is applied second and overrides GeneralPrefix, e.g.
	// "OUTBOX" or "INBOX".
	SpecificPrefix string
}

// Parse populates cfg (a pointer to a struct) from env, following this
// precedence, highest to lowest:
//  1. specific-prefix environment variable
//  2. general-prefix environment variable
//  3. default tag
//
// env is a flat map as returned by EnvironMap(), allowing tests to supply
// a synthetic environment instead of the process's real one.
func Parse(cfg any, env map[string]string, opts Options) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return outboxerr.Newf(outboxerr.DBError, "outboxconfig: cfg must be a pointer to a struct")
	}

	fields := walkStruct(v.Elem(), "")

	var errs []error
	if err := applyDefaults(fields); err != nil {
		errs = append(errs, err)
	}
	if opts.GeneralPrefix != "" {
		if err := applyEnv(fields, env, opts.GeneralPrefix); err != nil {
			errs = append(errs, err)
		}
	}
	if opts.SpecificPrefix != "" {
		if err := applyEnv(fields, env, opts.SpecificPrefix); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validateRequired(fields); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return &outboxerr.MultiError{Errors: errs}
	}
	return nil
}

// EnvironMap converts os.Environ() into a flat map, as required by Parse.
func EnvironMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = val
	}
	return out
}

type configField struct {
	Path  string
	Value reflect.Value
	Kind  reflect.Kind
	Tag   reflect.StructTag
}

func walkStruct(v reflect.Value, currPath string) map[string]configField {
	fields := map[string]configField{}
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}
		tag := structField.Tag
		path := structField.Name
		if currPath != "" {
			path = currPath + "." + path
		}

		if fieldVal.Kind() == reflect.Struct && fieldVal.Type() != reflect.TypeOf(time.Duration(0)) {
			for k, f := range walkStruct(fieldVal, path) {
				fields[k] = f
			}
			continue
		}

		fields[path] = configField{Path: path, Value: fieldVal, Kind: fieldVal.Kind(), Tag: tag}
	}
	return fields
}

func setScalar(field configField, raw string) error {
	if field.Value.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration for %s: %w", field.Path, err)
		}
		field.Value.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s: unsupported kind %s", field.Path, field.Kind)
	}
	return nil
}

func applyDefaults(fields map[string]configField) error {
	var errs []error
	for _, field := range fields {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setScalar(field, defVal); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &outboxerr.MultiError{Errors: errs}
	}
	return nil
}

func applyEnv(fields map[string]configField, env map[string]string, prefix string) error {
	var errs []error
	for _, field := range fields {
		envName := casing.ToScreamingSnake(field.Path)
		if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
			envName = tagVal
		}
		envName = prefix + "_" + envName

		val, ok := env[envName]
		if !ok {
			continue
		}
		if err := setScalar(field, val); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &outboxerr.MultiError{Errors: errs}
	}
	return nil
}

// FieldDoc describes one configuration field for documentation/.env
// generation purposes (cmd/outboxctl's .env file).
type FieldDoc struct {
	// EnvSuffix is the field's env key with no prefix, e.g. "SCHEMA" or
	// "DATABASE_DSN".
	EnvSuffix string
	Default   string
	Desc      string
	Required  bool
}

// Describe walks cfg's struct shape and returns one FieldDoc per leaf
// field, sorted by EnvSuffix, for a caller that wants to render every
// recognized key (cmd/outboxctl's .env emitter).
func Describe(cfg any) []FieldDoc {
	v := reflect.ValueOf(cfg)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	fields := walkStruct(v, "")

	docs := make([]FieldDoc, 0, len(fields))
	for _, f := range fields {
		envName := casing.ToScreamingSnake(f.Path)
		if tagVal, ok := f.Tag.Lookup(tagEnv); ok {
			envName = tagVal
		}
		def, _ := f.Tag.Lookup(tagDefault)
		desc, _ := f.Tag.Lookup(tagDesc)
		req, _ := f.Tag.Lookup(tagRequired)
		docs = append(docs, FieldDoc{
			EnvSuffix: envName,
			Default:   def,
			Desc:      desc,
			Required:  req == "true",
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].EnvSuffix < docs[j].EnvSuffix })
	return docs
}

func validateRequired(fields map[string]configField) error {
	var errs []error
	for path, field := range fields {
		reqVal, ok := field.Tag.Lookup(tagRequired)
		if !ok || reqVal == "false" {
			continue
		}
		if field.Value.IsZero() {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}
	if len(errs) > 0 {
		return &outboxerr.MultiError{Errors: errs}
	}
	return nil
}
