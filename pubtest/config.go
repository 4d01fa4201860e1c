// Package pubtest runs end-to-end pub/sub scenarios from Go tests.
//
// NewEnv picks a backend from the environment (MATCHSYNC_BACKEND=memory or
// postgres), and the helpers turn every driver failure into a test failure
// on the testing.TB they are given.
package pubtest

import (
	"fmt"
	"time"

	"github.com/erlorenz/matchsync/cfgx"
	"github.com/erlorenz/matchsync/endpoint"
	"github.com/erlorenz/matchsync/pubsub"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "MATCHSYNC"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the settings shared by a test run.
type Config struct {
	Backend     string `default:"memory" desc:"Transport and discovery backend: memory or postgres"`
	DatabaseURL string `optional:"true" file:"matchsync_database_url" desc:"Postgres connection string"`
	// Domain zero derives the domain from the process id.
	Domain         uint32             `optional:"true"`
	MatchTimeout   time.Duration      `default:"10s"`
	RemovalTimeout time.Duration      `default:"10s"`
	PollInterval   time.Duration      `default:"50ms"`
	Lease          time.Duration      `default:"3s"`
	Reliability    pubsub.Reliability `default:"reliable" optional:"true"`
	History        pubsub.HistoryKind `default:"keep_all" optional:"true"`
	Depth          int                `default:"16"`
}

// LoadConfig reads Config from MATCHSYNC_* environment variables on top of
// the defaults. Flags are not read since `go test` owns the command line.
func LoadConfig(sources ...cfgx.Source) (Config, error) {
	var cfg Config
	err := cfgx.Parse(&cfg, cfgx.Options{
		EnvPrefix: EnvPrefix,
		SkipFlags: true,
		Sources:   sources,
	})
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate rejects backend names other than memory and postgres.
func (c Config) Validate() error {
	if c.Backend != BackendMemory && c.Backend != BackendPostgres {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// QoS returns the delivery settings for subscribers.
func (c Config) QoS() pubsub.QoS {
	return pubsub.QoS{
		Reliability: c.Reliability,
		History:     c.History,
		Depth:       c.Depth,
	}
}

// Endpoint returns an endpoint config for a HelloWorld topic named after
// prefix and unique to this process.
func (c Config) Endpoint(prefix string) endpoint.Config {
	domain := c.Domain
	if domain == 0 {
		domain = endpoint.DomainFromPID()
	}
	return endpoint.Config{
		Domain:       domain,
		Topic:        endpoint.UniqueTopic(prefix),
		TypeName:     HelloWorldType,
		QoS:          c.QoS(),
		Lease:        c.Lease,
		PollInterval: c.PollInterval,
	}
}

// HelloWorldType is the type name HelloWorld samples are announced with.
const HelloWorldType = "HelloWorldType"

// HelloWorld is the sample exchanged by the reference scenarios.
type HelloWorld struct {
	Index   uint16 `json:"index"`
	Message string `json:"message"`
}

// Indices returns n HelloWorld samples numbered from 1.
func Indices(n int) []HelloWorld {
	out := make([]HelloWorld, n)
	for i := range out {
		out[i] = HelloWorld{Index: uint16(i + 1), Message: "HelloWorld"}
	}
	return out
}
