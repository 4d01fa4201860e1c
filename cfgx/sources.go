package cfgx

import (
	"encoding"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	secretsDir  = "/run/secrets"
	maxFileSize = 1 << 20 // 1MB
)

var durationType = reflect.TypeFor[time.Duration]()

// setValue parses raw into the field according to its type.
func setValue(field Field, raw string) error {
	if u, ok := textUnmarshaler(field.Value); ok {
		if err := u.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		return nil
	}

	v := field.Value
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		v.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s: unsupported kind %s", field.Path, v.Kind())
	}
	return nil
}

func textUnmarshaler(v reflect.Value) (encoding.TextUnmarshaler, bool) {
	if !v.CanAddr() {
		return nil, false
	}
	u, ok := v.Addr().Interface().(encoding.TextUnmarshaler)
	return u, ok
}

func isTextUnmarshaler(v reflect.Value) bool {
	_, ok := textUnmarshaler(v)
	return ok
}

// Defaults ===================================================================

type defaultSource struct{}

func (s *defaultSource) Priority() int { return PriorityDefaults }

func (s *defaultSource) Process(fields map[string]Field) error {
	var result *multierror.Error
	for _, field := range fields {
		raw, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setValue(field, raw); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Env ========================================================================

type envSource struct {
	prefix string
}

func (s *envSource) Priority() int { return PriorityEnv }

func (s *envSource) Process(fields map[string]Field) error {
	var result *multierror.Error
	for _, field := range fields {
		raw, ok := os.LookupEnv(envName(s.prefix, field.Path, field.Tag))
		if !ok {
			continue
		}
		if err := setValue(field, raw); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Flags ======================================================================

type flagSource struct {
	name     string
	args     []string
	handling flag.ErrorHandling
}

func (s *flagSource) Priority() int { return PriorityFlags }

func (s *flagSource) Process(fields map[string]Field) error {
	flags := flag.NewFlagSet(s.name, s.handling)

	for _, field := range fields {
		name := kebab(field.Path)
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			name = tagVal
		}

		set := func(raw string) error { return setValue(field, raw) }
		define := flags.Func
		if field.Value.Kind() == reflect.Bool {
			define = flags.BoolFunc
		}

		define(name, field.Description, set)
		if short := field.Tag.Get(tagShort); short != "" {
			define(short, field.Description, set)
		}
	}

	if err := flags.Parse(s.args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}

// Files ======================================================================

// FileContentSource reads one file per field from FS. The file name is the
// snake case path unless the field's Tag overrides it. Missing files are
// skipped.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// NewSecretsSource reads Docker secrets from /run/secrets. Fields can be
// renamed with the "file" tag.
func NewSecretsSource() *FileContentSource {
	return NewDirSource(secretsDir)
}

// NewDirSource reads one file per field from dir.
func NewDirSource(dir string) *FileContentSource {
	return &FileContentSource{
		PriorityLevel: PriorityFiles,
		Tag:           tagFile,
		FS:            os.DirFS(dir),
	}
}

// Priority implements Source.
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements Source.
func (s *FileContentSource) Process(fields map[string]Field) error {
	if s.FS == nil {
		return fmt.Errorf("file source: fs.FS cannot be nil")
	}

	var result *multierror.Error
	for path, field := range fields {
		name := snake(path)
		if s.Tag != "" {
			if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
				name = tagVal
			}
		}

		raw, found, err := readFile(s.FS, name)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !found {
			continue
		}
		if err := setValue(field, raw); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func readFile(fsys fs.FS, name string) (string, bool, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxFileSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxFileSize)
	}
	return strings.TrimSpace(string(b)), true, nil
}
