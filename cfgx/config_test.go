package cfgx_test

import (
	"errors"
	"flag"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/erlorenz/matchsync/cfgx"
)

type level int

func (l *level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*l = 1
	case "high":
		*l = 2
	default:
		return errors.New("unknown level")
	}
	return nil
}

type testConfig struct {
	Version  string
	Author   string        `env:"PROGRAM_AUTHOR" optional:"true" desc:"The author of the program"`
	Port     int           `default:"5000" short:"p" desc:"The server port"`
	BaseURL  string        `default:"http://example.com" env:"API_URL" desc:"The API base URL"`
	Debug    bool          `default:"true" short:"d"`
	Domain   uint32        `default:"7"`
	Timeout  time.Duration `default:"10s"`
	Level    level         `default:"low"`
	Database struct {
		Password string `optional:"true" file:"db_pass"`
	}
	Logging struct {
		Level string `default:"info" desc:"The minimum log level"`
	}
}

func TestParse(t *testing.T) {
	base := testConfig{Version: "v10.0.0"}

	t.Run("Defaults", func(t *testing.T) {
		cfg := base
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}

		if cfg.Author != "" {
			t.Errorf("Author: wanted empty string, got %s", cfg.Author)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 5000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "info"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if !cfg.Debug {
			t.Errorf("Debug: wanted true")
		}
		if want := uint32(7); cfg.Domain != want {
			t.Errorf("Domain: wanted %d, got %d", want, cfg.Domain)
		}
		if want := 10 * time.Second; cfg.Timeout != want {
			t.Errorf("Timeout: wanted %s, got %s", want, cfg.Timeout)
		}
		if want := level(1); cfg.Level != want {
			t.Errorf("Level: wanted %d, got %d", want, cfg.Level)
		}
	})

	t.Run("EnvsPrefixed", func(t *testing.T) {
		cfg := base
		t.Setenv("PROGRAM_AUTHOR", "John Deere") // tag wins over prefix
		t.Setenv("APP_PORT", "5001")
		t.Setenv("APP_LOGGING_LEVEL", "debug")
		t.Setenv("APP_VERSION", "error") // already set, skipped
		t.Setenv("APP_TIMEOUT", "250ms")
		t.Setenv("APP_LEVEL", "high")
		t.Setenv("API_URL", "http://api.example.com")

		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, EnvPrefix: "APP"}); err != nil {
			t.Fatal(err)
		}

		if want := "John Deere"; cfg.Author != want {
			t.Errorf("Author: wanted %s, got %s", want, cfg.Author)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 5001; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "debug"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://api.example.com"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}
		if want := 250 * time.Millisecond; cfg.Timeout != want {
			t.Errorf("Timeout: wanted %s, got %s", want, cfg.Timeout)
		}
		if want := level(2); cfg.Level != want {
			t.Errorf("Level: wanted %d, got %d", want, cfg.Level)
		}
	})

	t.Run("Flags", func(t *testing.T) {
		cfg := base
		t.Setenv("PORT", "5001")
		t.Setenv("LOGGING_LEVEL", "debug")
		t.Setenv("API_URL", "http://api.example.com")

		args := []string{"-port", "3000", "--logging-level=error", "-author=Jack Smith", "-base-url=http://example.com/api", "-debug=false"}
		if err := cfgx.Parse(&cfg, cfgx.Options{Args: args}); err != nil {
			t.Fatal(err)
		}

		if want := "Jack Smith"; cfg.Author != want {
			t.Errorf("Author: wanted %s, got %s", want, cfg.Author)
		}
		if want := 3000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if want := "error"; cfg.Logging.Level != want {
			t.Errorf("Logging.Level: wanted %s, got %s", want, cfg.Logging.Level)
		}
		if want := "http://example.com/api"; cfg.BaseURL != want {
			t.Errorf("BaseURL: wanted %s, got %s", want, cfg.BaseURL)
		}
		if cfg.Debug {
			t.Errorf("Debug: wanted false")
		}
	})

	t.Run("FlagsShort", func(t *testing.T) {
		cfg := base
		args := []string{"-p", "3000", "-d"}
		if err := cfgx.Parse(&cfg, cfgx.Options{Args: args, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}

		if want := 3000; cfg.Port != want {
			t.Errorf("Port: wanted %d, got %d", want, cfg.Port)
		}
		if !cfg.Debug {
			t.Errorf("Debug: wanted true")
		}
	})

	t.Run("Files", func(t *testing.T) {
		fakeFS := fstest.MapFS{
			"db_pass": &fstest.MapFile{Data: []byte("supersecret\n")},
			"port":    &fstest.MapFile{Data: []byte("6000")},
		}
		cfg := base
		t.Setenv("PORT", "5001")

		err := cfgx.Parse(&cfg, cfgx.Options{
			SkipFlags: true,
			Sources:   []cfgx.Source{&cfgx.FileContentSource{PriorityLevel: cfgx.PriorityFiles, Tag: "file", FS: fakeFS}},
		})
		if err != nil {
			t.Fatal(err)
		}

		if want := "supersecret"; cfg.Database.Password != want {
			t.Errorf("Database.Password: wanted %s, got %s", want, cfg.Database.Password)
		}
		if want := 6000; cfg.Port != want {
			t.Errorf("Port: files should win over env, wanted %d, got %d", want, cfg.Port)
		}
	})

	t.Run("MissingDir", func(t *testing.T) {
		cfg := base
		err := cfgx.Parse(&cfg, cfgx.Options{
			SkipFlags: true,
			SkipEnv:   true,
			Sources:   []cfgx.Source{cfgx.NewDirSource(t.TempDir() + "/missing")},
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestEmbedded(t *testing.T) {
	type Shared struct {
		Backend string `default:"memory"`
	}
	var cfg struct {
		Shared
		Count int `default:"3"`
	}
	t.Setenv("APP_BACKEND", "postgres")

	if err := cfgx.Parse(&cfg, cfgx.Options{EnvPrefix: "APP", Args: []string{"-count", "5"}}); err != nil {
		t.Fatal(err)
	}
	if want := "postgres"; cfg.Backend != want {
		t.Errorf("Backend: wanted %s, got %s", want, cfg.Backend)
	}
	if want := 5; cfg.Count != want {
		t.Errorf("Count: wanted %d, got %d", want, cfg.Count)
	}
}

func TestParseErrors(t *testing.T) {
	t.Run("NotPointer", func(t *testing.T) {
		var cfg testConfig
		err := cfgx.Parse(cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if !errors.Is(err, cfgx.ErrNotPointerToStruct) {
			t.Fatalf("wanted ErrNotPointerToStruct, got %v", err)
		}
	})

	t.Run("BadValues", func(t *testing.T) {
		var cfg testConfig
		t.Setenv("PORT", "many")
		t.Setenv("TIMEOUT", "soon")

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true})
		if err == nil {
			t.Fatal("wanted error")
		}
		for _, want := range []string{"Port", "Timeout"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %s", err, want)
			}
		}
	})

	t.Run("UnknownFlag", func(t *testing.T) {
		var cfg testConfig
		err := cfgx.Parse(&cfg, cfgx.Options{SkipEnv: true, Args: []string{"-nope"}})
		if err == nil {
			t.Fatal("wanted error")
		}
	})

	t.Run("Panic", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("wanted panic")
			}
		}()
		var cfg struct{ Required string }
		cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true, ErrorHandling: flag.PanicOnError})
	})
}

func TestVersion(t *testing.T) {
	var cfg struct {
		Version string
	}
	if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
		t.Fatal(err)
	}
	if cfg.Version == "" {
		t.Error("Version: wanted build version")
	}
}

func TestValidate(t *testing.T) {
	t.Run("OptionalNone", func(t *testing.T) {
		var cfg struct {
			Required string
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err == nil {
			t.Fatal("wanted error")
		}
	})

	t.Run("OptionalTrue", func(t *testing.T) {
		var cfg struct {
			NotRequired string `optional:"true"`
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("OptionalFalse", func(t *testing.T) {
		var cfg struct {
			NotRequired string `optional:"false"`
		}
		if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true}); err == nil {
			t.Fatal("wanted error")
		}
	})
}
