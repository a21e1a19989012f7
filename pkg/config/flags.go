package config

import (
	"flag"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// skippedConfigFlags is the list of command line flags on which the config check is disabled.
// They only make sense per invocation.
var skippedConfigFlags = []string{"print_version", "config_file", "scope", "transform", "ttl"}

// collectAndRegisterFlags collects the flag values set in the given config struct into `flags`.
// Each leaf field carries a `flag` tag naming its command line flag; untagged struct fields are walked recursively.
func collectAndRegisterFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, v reflect.Value) error {
	t := v.Type()
	for fieldIdx := range t.NumField() {
		field, value := t.Field(fieldIdx), v.Field(fieldIdx)
		flagName := field.Tag.Get("flag")
		if flagName == "" {
			if field.Type.Kind() == reflect.Struct {
				if err := collectAndRegisterFlags(flags, value); err != nil {
					return err
				}
			}
			continue // Skip other fields.
		}
		if field.Type.Kind() != reflect.Pointer {
			return fmt.Errorf("config field %s.%s must be a pointer", t.Name(), field.Name)
		}
		if value.IsNil() {
			continue
		}
		// Check for duplicate flag entries.
		if _, alreadyExists := flags[flagName]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config: '%s.%s'", flagName, t.Name(), field.Name)
		}
		flags[flagName] = fmt.Sprint(value.Elem().Interface())
	}
	return nil
}

// setConfigFlags sets all the filled entries of `conf` to the global flag variables, except for `skip`.
func setConfigFlags(conf *Config, skip map[ /*flagName*/ string]bool) error {
	registeredFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectAndRegisterFlags(registeredFlags, reflect.ValueOf(conf).Elem()); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range registeredFlags {
		if skip[flagName] {
			continue
		}
		if flag.Lookup(flagName) == nil { // The binary doesn't link the package owning this flag.
			continue
		}
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// getDefinedFlags returns the set of flags named inside the given config struct type.
func getDefinedFlags(t reflect.Type) (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[ /*flagName*/ string]struct{})
	var walkFields func(t reflect.Type) error
	walkFields = func(t reflect.Type) error {
		for fieldIdx := range t.NumField() {
			field := t.Field(fieldIdx)
			if flagName := field.Tag.Get("flag"); flagName != "" {
				if _, exists := flagSet[flagName]; exists {
					return fmt.Errorf("duplicate flag name '%s' in config: %s.%s", flagName, t.Name(), field.Name)
				}
				flagSet[flagName] = struct{}{}
				continue
			}
			if field.Type.Kind() == reflect.Struct {
				if err := walkFields(field.Type); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walkFields(t); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the config schema.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags(reflect.TypeFor[Config]())
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in config", f.Name))
		}
	})
	return errs
}
