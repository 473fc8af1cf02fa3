package cmd

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lawrencejones/pgshift/internal/migration"
	"github.com/lawrencejones/pgshift/pkg/consistency"
	"github.com/lawrencejones/pgshift/pkg/destination"
	"github.com/lawrencejones/pgshift/pkg/pipeline"

	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/alecthomas/kingpin"
	"github.com/getsentry/sentry-go"
	kitlog "github.com/go-kit/kit/log"
	level "github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opencensus.io/trace"
)

var logger kitlog.Logger

var (
	app = kingpin.New("pgshift", "Migrate tables between databases, resuming where it left off").Version(versionStanza())

	// Global flags
	debug               = app.Flag("debug", "Enable debug logging").Default("false").Bool()
	metricsAddress      = app.Flag("metrics-address", "Address to bind HTTP metrics listener").Default("127.0.0.1").String()
	metricsPort         = app.Flag("metrics-port", "Port to bind HTTP metrics listener").Default("9525").Uint16()
	jaegerAgentEndpoint = app.Flag("jaeger-agent-endpoint", "Endpoint for Jaeger agent").Default("localhost:6831").String()
	sentryDSN           = app.Flag("sentry-dsn", "Report fatal errors to this Sentry project").Envar("SENTRY_DSN").String()

	migrate                  = app.Command("migrate", "Copy tables from source to destination")
	migrateSourceDriver      = migrate.Flag("source-driver", "Driver of the source database").Default("postgres").Enum("postgres", "mysql", "sqlite")
	migrateSource            = migrate.Flag("source", "Connection string of the source database").Required().String()
	migrateDestinationDriver = migrate.Flag("destination-driver", "Driver of the destination database").Default("postgres").Enum("postgres", "mysql", "sqlite")
	migrateDestination       = migrate.Flag("destination", "Connection string of the destination database").Required().String()
	migrateOptions           = new(pipeline.Options).Bind(migrate, "")

	check                  = app.Command("check", "Compare tables between source and destination, reporting rows that differ")
	checkSourceDriver      = check.Flag("source-driver", "Driver of the source database").Default("postgres").Enum("postgres", "mysql", "sqlite")
	checkSource            = check.Flag("source", "Connection string of the source database").Required().String()
	checkDestinationDriver = check.Flag("destination-driver", "Driver of the destination database").Default("postgres").Enum("postgres", "mysql", "sqlite")
	checkDestination       = check.Flag("destination", "Connection string of the destination database").Required().String()
	checkTables            = check.Flag("table", "Table to check, may be repeated").Required().Strings()
	checkOptions           = new(consistency.Options).Bind(check, "")

	gooseCmd         = app.Command("goose", "Manage the migrations of the postgres tracker schema")
	gooseDestination = gooseCmd.Flag("destination", "Connection string of the Postgres database holding positions").Required().String()
	gooseSchema      = gooseCmd.Flag("schema", "Schema for pgshift resources").Default("pgshift").String()
	gooseCommand     = gooseCmd.Arg("command", "Command to pass to goose").Required().String()
	gooseArgs        = gooseCmd.Arg("args", "Arguments to goose command").Strings()
)

// SilentError should be returned when the command wants to skip all logging of the error
// it has encountered. It wraps no error content as we should never inspect it.
var SilentError = errors.New("silent error")

type UsageError struct {
	error
}

func Run() (err error) {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowInfo())
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	}
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
	stdlog.SetOutput(kitlog.NewStdlibAdapter(logger))

	if *sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSN, Release: Version}); err != nil {
			return UsageError{fmt.Errorf("invalid sentry configuration: %w", err)}
		}

		defer sentry.Flush(5 * time.Second)
	}

	// Setup an error handler to log and print usage
	defer func() {
		var usageErr UsageError
		switch {
		// Do nothing if no error
		case err == nil:
			return
		// Suppress silent errors
		case errors.Is(err, SilentError):
			return
		// If we're a usage error, unwrap it and print out usage before returning
		case errors.As(err, &usageErr):
			context, _ := app.ParseContext(os.Args[1:])
			app.UsageForContext(context)
			fmt.Fprintf(os.Stderr, "error: %s\n", usageErr.Error())

			err = usageErr.error
			return
		// Otherwise we probably want to log our error, and report it if Sentry is configured
		default:
			logger.Log("event", "error", "error", err, "msg", "exiting with error")
			if eventID := sentry.CaptureException(err); eventID != nil {
				logger.Log("event", "capture_exception", "event_id", *eventID)
			}
		}
	}()

	// This is the root context for the application. Once terminated, everything we have
	// started should also finish.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stage our shutdown to first request termination, then cancel contexts if downstream
	// workers haven't responded.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	shutdown := make(chan struct{})

	go func() {
		<-sigc
		close(shutdown)
		select {
		case <-time.After(30 * time.Second):
		case <-sigc:
		}
		cancel()
	}()

	if command == gooseCmd.FullCommand() {
		return runGoose(ctx, *gooseDestination, *gooseSchema, *gooseCommand, *gooseArgs...)
	}

	var g run.Group

	{
		logger := kitlog.With(logger, "component", "shutdown_handler")

		ctx, cancel := context.WithCancel(ctx)

		// If we're asked to shutdown, we use the rungroup to trigger interrupts for every
		// component
		g.Add(
			func() error {
				select {
				case <-shutdown:
					logger.Log("event", "requesting_shutdown", "msg", "received signal, requesting shutdown")
				case <-ctx.Done():
				}

				return nil
			},
			func(error) {
				cancel() // end the shutdown select
			},
		)
	}

	{
		logger := kitlog.With(logger, "component", "metrics")

		// Metrics and debug endpoints
		mux := http.NewServeMux()

		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		srv := &http.Server{Addr: fmt.Sprintf("%s:%d", *metricsAddress, *metricsPort), Handler: mux}

		g.Add(
			func() error {
				logger.Log("event", "listen", "address", *metricsAddress, "port", *metricsPort)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}

				return nil
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			},
		)
	}

	{
		// Tracing with jaeger
		jexporter, err := jaeger.NewExporter(jaeger.Options{
			AgentEndpoint: *jaegerAgentEndpoint,
			Process: jaeger.Process{
				ServiceName: "pgshift",
			},
		})

		if err != nil {
			return UsageError{err}
		}

		trace.RegisterExporter(jexporter)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}

	switch command {
	case migrate.FullCommand():
		source, err := openEndpoint(ctx, *migrateSourceDriver, *migrateSource)
		if err != nil {
			return err
		}

		defer source.Close()

		dest, err := openEndpoint(ctx, *migrateDestinationDriver, *migrateDestination)
		if err != nil {
			return err
		}

		defer dest.Close()

		logger.Log("event", "database_config",
			"source_driver", source.driver,
			"destination_driver", dest.driver,
			"tables", fmt.Sprintf("%v", migrateOptions.Tables),
		)

		cfg := pipeline.Config{
			Source:             source.db,
			SourceBuilder:      source.builder,
			Destination:        destination.NewInstrumentedExecutor(logger, dest.driver, dest.executor),
			DestinationBuilder: dest.builder,
		}

		// Dry runs use a memory tracker, so leave the destination schema alone
		if migrateOptions.Tracker.Backend == "postgres" && !migrateOptions.DryRun {
			if dest.pool == nil {
				return UsageError{fmt.Errorf("postgres tracker requires a postgres destination")}
			}

			db, err := openMigrationDB(*migrateDestination, migrateOptions.Tracker.Schema)
			if err != nil {
				return err
			}

			defer db.Close()

			if err := migration.Migrate(ctx, logger, db, migrateOptions.Tracker.Schema); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			cfg.TrackerConn = dest.pool
		}

		p := pipeline.New(logger, cfg, *migrateOptions)

		g.Add(
			func() error {
				return p.Run(ctx)
			},
			func(error) {
				p.Shutdown(ctx)
			},
		)

		return g.Run()

	case check.FullCommand():
		source, err := openEndpoint(ctx, *checkSourceDriver, *checkSource)
		if err != nil {
			return err
		}

		defer source.Close()

		dest, err := openEndpoint(ctx, *checkDestinationDriver, *checkDestination)
		if err != nil {
			return err
		}

		defer dest.Close()

		checker := consistency.NewChecker(logger,
			consistency.Side{Source: source.db, Builder: source.builder},
			consistency.Side{Source: dest.db, Builder: dest.builder},
			*checkOptions,
		)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return runCheck(ctx, logger, checker, *checkTables)
			},
			func(error) {
				cancel()
			},
		)

		return g.Run()
	}

	return UsageError{fmt.Errorf("unsupported command")}
}
