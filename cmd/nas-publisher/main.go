// Command nas-publisher collects NAS metrics on a fixed interval and
// publishes them as JSON snapshots for the ESP32 status panel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/broker"
	"github.com/HerbHall/naspanel/internal/config"
	"github.com/HerbHall/naspanel/internal/provider"
	"github.com/HerbHall/naspanel/internal/publisher"
	"github.com/HerbHall/naspanel/internal/server"
	"github.com/HerbHall/naspanel/internal/version"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	configPath  string
	printConfig bool
	showVersion bool
	overrides   map[string]any
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":     "mqtt_host",
	"port":     "mqtt_port",
	"user":     "mqtt_user",
	"password": "mqtt_password",
	"topic":    "topic",
	"interval": "interval_seconds",
	"provider": "provider.kind",
	"listen":   "http.listen",
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("nas-publisher", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	host := fs.String("host", "localhost", "MQTT broker host (empty with broker.discover browses mDNS)")
	port := fs.Int("port", 1883, "MQTT broker port")
	user := fs.String("user", "", "MQTT username")
	password := fs.String("password", "", "MQTT password")
	topic := fs.String("topic", "nas/stats", "topic to publish snapshots to")
	interval := fs.Int("interval", 5, "publish interval in seconds")
	kind := fs.String("provider", "local", "metrics provider: local, shell, truenas or snmp")
	listen := fs.String("listen", "", "status HTTP listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	values := map[string]any{
		"host":     *host,
		"port":     *port,
		"user":     *user,
		"password": *password,
		"topic":    *topic,
		"interval": *interval,
		"provider": *kind,
		"listen":   *listen,
	}
	// Only flags given on the command line override file and environment.
	opts.overrides = make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			opts.overrides[key] = values[f.Name]
		}
	})
	return opts, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if opts.showVersion {
		fmt.Fprintln(stdout, version.Info())
		return exitOK
	}

	cfg, err := config.Load(opts.configPath, opts.overrides)
	if err != nil {
		fmt.Fprintf(stderr, "nas-publisher: %v\n", err)
		return exitFailure
	}

	if opts.printConfig {
		out, err := cfg.DumpYAML()
		if err != nil {
			fmt.Fprintf(stderr, "nas-publisher: %v\n", err)
			return exitFailure
		}
		_, _ = stdout.Write(out)
		return exitOK
	}

	settings, err := cfg.Settings()
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "nas-publisher: %v\n", err)
		return exitUsage
	}

	logger, err := buildLogger(settings.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "nas-publisher: %v\n", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	if err := publish(ctx, settings, logger); err != nil {
		logger.Error("nas-publisher exited with error", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// publish wires the components together and blocks until ctx is cancelled
// or the broker cannot be reached.
func publish(ctx context.Context, s config.Settings, logger *zap.Logger) error {
	logger.Info("nas-publisher starting", zap.String("version", version.Short()))

	bcfg := s.BrokerConfig()
	if bcfg.Host == "" && bcfg.Discover {
		ep, err := broker.Discover(ctx, broker.MQTTService, bcfg.Timeout, logger)
		if err != nil {
			return fmt.Errorf("discover broker: %w", err)
		}
		ep.Apply(&bcfg)
	}

	id := provider.ResolveIdentity()
	logger.Info("resolved host identity",
		zap.String("hostname", id.Hostname),
		zap.String("ip", id.IP),
	)

	src, err := provider.New(s.Provider, id, logger.Named("provider"))
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	conn, err := broker.New(bcfg, logger.Named("broker"))
	if err != nil {
		return fmt.Errorf("create broker connection: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loopOpts := publisher.DefaultOptions()
	loopOpts.Topic = s.Topic
	loopOpts.Interval = s.Interval()
	loopOpts.CollectTimeout = s.Provider.Timeout
	loopOpts.PublishTimeout = bcfg.Timeout
	loopOpts.ConnectRetries = bcfg.ConnectRetries
	loop := publisher.New(loopOpts, src, conn, publisher.NewMetrics(reg), logger.Named("publisher"))

	if s.HTTP.Listen != "" {
		srv := server.New(s.HTTP.Listen, loop, reg, logger.Named("http"))
		ln, err := srv.Listen()
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		go func() {
			if err := srv.Serve(ln); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		var cerr *broker.ConnectError
		if errors.As(err, &cerr) {
			return fmt.Errorf("broker unreachable at %s: %w", cerr.Addr, err)
		}
		return err
	}

	logger.Info("nas-publisher stopped")
	return nil
}
