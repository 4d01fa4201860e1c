// Package cfgx fills a config struct from several sources in a fixed
// precedence order: command line flags > files > environment variables >
// struct tag defaults.
//
// Field names are derived from the struct path ("Postgres.URL" becomes
// POSTGRES_URL in the environment and -postgres-url on the command line) and
// can be overridden with struct tags. Fields of embedded structs are named as
// if they were declared on the parent. Fields that are already set when Parse
// is called are left alone.
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Usage text for flags
	tagOptional    = "optional" // Allows the zero value after parsing
	tagShort       = "short"    // Additional short flag name
	tagFile        = "file"     // File name for file sources
)

// Priorities of the built-in sources. Custom sources sort between them.
const (
	PriorityDefaults = 0
	PriorityEnv      = 50
	PriorityFiles    = 75
	PriorityFlags    = 100
)

// ErrNotPointerToStruct is returned when Parse is not given a *struct.
var ErrNotPointerToStruct = errors.New("cfgx: config must be a pointer to a struct")

// Source applies values to the fields it knows about. Sources run in
// ascending priority order, so later sources overwrite earlier ones.
type Source interface {
	Priority() int
	Process(map[string]Field) error
}

// Field is a settable leaf of the config struct.
type Field struct {
	Path        string
	Value       reflect.Value
	Tag         reflect.StructTag
	Description string
}

// Options holds options for Parse.
type Options struct {
	// ProgramName names the flag set. Default: os.Args[0]
	ProgramName string
	// EnvPrefix is prepended to derived environment variable names.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args are the command line arguments. Default: os.Args[1:]
	Args []string
	// ErrorHandling decides whether Parse returns, exits or panics on error.
	ErrorHandling flag.ErrorHandling
	// Sources adds sources such as a FileContentSource.
	Sources []Source
}

func (o Options) withDefaults() Options {
	if o.ProgramName == "" && len(os.Args) > 0 {
		o.ProgramName = os.Args[0]
	}
	if o.Args == nil && len(os.Args) > 1 {
		o.Args = os.Args[1:]
	}
	return o
}

// Parse populates cfg, which must be a pointer to a struct.
//
// A top level string field named Version receives the module version from
// the build info before any source runs.
// Every field without an optional tag must be non-zero afterwards.
func Parse(cfg any, options Options) error {
	opts := options.withDefaults()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	fields := walkStruct(v.Elem(), "")

	if version, ok := fields["Version"]; ok && version.Value.Kind() == reflect.String {
		version.Value.SetString(buildVersion())
	}

	sources := []Source{&defaultSource{}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{prefix: opts.EnvPrefix})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{name: opts.ProgramName, args: opts.Args, handling: opts.ErrorHandling})
	}
	sources = append(sources, opts.Sources...)

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var result *multierror.Error
	for _, source := range sources {
		if err := source.Process(fields); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return handleError(opts.ErrorHandling, err)
	}

	if err := validateRequired(fields); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}
	return nil
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	return cmp.Or(bi.Main.Version, "(devel)")
}

// walkStruct maps dotted paths to the zero-valued leaves of v.
func walkStruct(v reflect.Value, prefix string) map[string]Field {
	fields := map[string]Field{}
	t := v.Type()

	for i := range v.NumField() {
		sf := t.Field(i)
		fv := v.Field(i)
		if !sf.IsExported() || !fv.IsZero() {
			continue
		}

		path := sf.Name
		if prefix != "" {
			path = prefix + "." + sf.Name
		}

		if fv.Kind() == reflect.Struct && !isTextUnmarshaler(fv) {
			// Embedded structs share their parent's namespace.
			if sf.Anonymous {
				path = prefix
			}
			maps.Copy(fields, walkStruct(fv, path))
			continue
		}

		fields[path] = Field{
			Path:        path,
			Value:       fv,
			Tag:         sf.Tag,
			Description: cmp.Or(sf.Tag.Get(tagDescription), path),
		}
	}
	return fields
}

func validateRequired(fields map[string]Field) error {
	var result *multierror.Error

	// Sorted for stable error messages.
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]
		if v, ok := field.Tag.Lookup(tagOptional); ok && v != "false" {
			continue
		}
		if field.Value.IsZero() {
			result = multierror.Append(result, fmt.Errorf("%s is required", path))
		}
	}
	return result.ErrorOrNil()
}

func handleError(handling flag.ErrorHandling, err error) error {
	switch handling {
	case flag.ExitOnError:
		logrus.WithError(err).Error("Failed to parse config")
		os.Exit(1)
	case flag.PanicOnError:
		panic(err)
	}
	return err
}

func envName(prefix, path string, tag reflect.StructTag) string {
	if name, ok := tag.Lookup(tagEnv); ok {
		return name
	}
	name := screamingSnake(path)
	if prefix != "" {
		name = strings.TrimSuffix(prefix, "_") + "_" + name
	}
	return name
}
