package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/magiconair/properties"
	"github.com/spf13/pflag"

	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
)

// DefaultPropertiesFile is looked up in the working directory when no
// --config flag is given.
const DefaultPropertiesFile = "default.properties"

// Source records where a resolved option value came from.
type Source int

const (
	SourceDefault Source = iota
	SourceFile
	SourceCLI
)

func (s Source) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceCLI:
		return "cli"
	default:
		return "default"
	}
}

// OptionSet resolves named options with the precedence command line, then
// properties file, then compiled-in default. Options are declared up front and
// read through the returned pointers once Resolve succeeds. Property keys use
// the long option name.
type OptionSet struct {
	name       string
	flags      *pflag.FlagSet
	configPath *string
	sources    map[string]Source
	file       string
}

// NewOptionSet creates an option set for the named owner. The config/-c option
// is always present. Unknown command-line options are ignored so one argument
// list can be shared by the runtime, the service and its business object.
func NewOptionSet(name string) *OptionSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}
	flags.ParseErrorsWhitelist.UnknownFlags = true

	o := &OptionSet{name: name, flags: flags, sources: make(map[string]Source)}
	o.configPath = flags.StringP("config", "c", "", "path to an existing properties file")
	return o
}

func (o *OptionSet) Int(name, shorthand string, value int, usage string) *int {
	return o.flags.IntP(name, shorthand, value, usage)
}

func (o *OptionSet) String(name, shorthand string, value string, usage string) *string {
	return o.flags.StringP(name, shorthand, value, usage)
}

func (o *OptionSet) Bool(name, shorthand string, value bool, usage string) *bool {
	return o.flags.BoolP(name, shorthand, value, usage)
}

func (o *OptionSet) Duration(name, shorthand string, value time.Duration, usage string) *time.Duration {
	return o.flags.DurationP(name, shorthand, value, usage)
}

// Has reports whether an option with the given long name was declared.
func (o *OptionSet) Has(name string) bool {
	return o.flags.Lookup(name) != nil
}

// Resolve parses args and fills every option not given on the command line
// from the properties file. The file is the --config path when present, which
// must exist, or DefaultPropertiesFile inside dir when that exists.
func (o *OptionSet) Resolve(args []string, dir string) error {
	if err := o.flags.Parse(args); err != nil {
		return &errspkg.ConfigError{Object: o.name, Reason: "invalid command line", Err: err}
	}
	o.flags.Visit(func(f *pflag.Flag) {
		o.sources[f.Name] = SourceCLI
	})

	path, err := o.propertiesPath(dir)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return &errspkg.ConfigError{Object: o.name, Member: "config", Reason: "cannot read properties file", Err: err}
	}
	o.file = path

	var errs []error
	o.flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Changed {
			return
		}
		value, ok := props.Get(f.Name)
		if !ok {
			return
		}
		if err := o.flags.Set(f.Name, value); err != nil {
			errs = append(errs, &errspkg.ConfigError{
				Object: o.name,
				Member: f.Name,
				Reason: fmt.Sprintf("invalid value %q in %s", value, filepath.Base(path)),
				Err:    err,
			})
			return
		}
		o.sources[f.Name] = SourceFile
	})
	return errors.Join(errs...)
}

func (o *OptionSet) propertiesPath(dir string) (string, error) {
	if o.flags.Changed("config") {
		path := *o.configPath
		if _, err := os.Stat(path); err != nil {
			return "", &errspkg.ConfigError{Object: o.name, Member: "config", Reason: fmt.Sprintf("properties file %q does not exist", path), Err: err}
		}
		return path, nil
	}
	if dir == "" {
		return "", nil
	}
	path := filepath.Join(dir, DefaultPropertiesFile)
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

// Source reports where the named option's value came from.
func (o *OptionSet) Source(name string) Source {
	return o.sources[name]
}

// File returns the properties file applied by Resolve, if any.
func (o *OptionSet) File() string {
	return o.file
}

// Args returns the positional arguments left after parsing.
func (o *OptionSet) Args() []string {
	return o.flags.Args()
}

// Usage renders the declared options.
func (o *OptionSet) Usage() string {
	return o.flags.FlagUsages()
}
