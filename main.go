// Command matchsync runs the reliable HelloWorld scenario once: a writer
// waits for a reader, sends a batch of samples in order, and waits for the
// reader to go away.
//
// Configuration comes from defaults, MATCHSYNC_* environment variables,
// Docker secrets and flags, e.g.
//
//	go run . -backend postgres -database-url postgres://localhost/matchsync -count 10
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/cfgx"
	"github.com/erlorenz/matchsync/driver"
	"github.com/erlorenz/matchsync/pubtest"
)

type config struct {
	pubtest.Config
	Version  string
	Count    int    `default:"3" short:"n" desc:"Number of samples to send"`
	Topic    string `default:"PubSubAsReliableHelloworld" desc:"Topic prefix"`
	LogLevel string `default:"info" desc:"Log level"`
}

func main() {
	var cfg config
	if err := cfgx.Parse(&cfg, cfgx.Options{
		EnvPrefix: pubtest.EnvPrefix,
		Sources:   []cfgx.Source{cfgx.NewSecretsSource()},
	}); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if err := cfg.Config.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Error("Scenario failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	log := logrus.WithFields(logrus.Fields{
		"version": cfg.Version,
		"backend": cfg.Config.Backend,
	})

	backend, err := pubtest.OpenBackend(ctx, cfg.Config)
	if err != nil {
		return err
	}
	defer backend.Close()

	ep := cfg.Config.Endpoint(cfg.Topic)
	log = log.WithField("topic", ep.Channel())

	writer, err := driver.NewWriter(ctx, backend.Broker, backend.Registry, ep,
		driver.WriterOptions[pubtest.HelloWorld]{MatchTimeout: cfg.Config.MatchTimeout})
	if err != nil {
		return err
	}
	defer writer.Destroy()

	reader, err := driver.NewReader(ctx, backend.Broker, backend.Registry, ep, driver.ReaderOptions[pubtest.HelloWorld]{})
	if err != nil {
		return err
	}
	defer reader.Destroy()

	msgs := pubtest.Indices(cfg.Count)
	if err := writer.Send(ctx, msgs); err != nil {
		return err
	}
	log.WithField("matched", writer.Matched()).Info("Samples sent")

	if err := reader.WaitReceived(len(msgs), cfg.Config.MatchTimeout); err != nil {
		return err
	}
	for _, msg := range reader.Received() {
		log.WithField("index", msg.Index).Debug(msg.Message)
	}

	if err := reader.Destroy(); err != nil {
		return fmt.Errorf("destroy reader: %w", err)
	}
	if err := writer.WaitRemoval(cfg.Config.RemovalTimeout); err != nil {
		return err
	}

	log.WithField("received", len(msgs)).Info("Scenario passed")
	return nil
}
