package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/timeio/tsm-ingest/internal/api"
	"github.com/timeio/tsm-ingest/internal/config"
	"github.com/timeio/tsm-ingest/internal/configdb"
	"github.com/timeio/tsm-ingest/internal/dbapi"
	"github.com/timeio/tsm-ingest/internal/dispatch"
	"github.com/timeio/tsm-ingest/internal/healthcheck"
	"github.com/timeio/tsm-ingest/internal/ingest"
	"github.com/timeio/tsm-ingest/internal/journal"
	"github.com/timeio/tsm-ingest/internal/logger"
	"github.com/timeio/tsm-ingest/internal/mapping"
	"github.com/timeio/tsm-ingest/internal/metrics"
	"github.com/timeio/tsm-ingest/internal/mqtt"
	"github.com/timeio/tsm-ingest/internal/shutdown"
	"github.com/timeio/tsm-ingest/internal/storage"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: tsm-ingest <command> [flags]

commands:
  file      parse raw files announced by object storage notifications
  mqtt      parse device messages received over MQTT
  reparse   re-announce all stored files of a thing
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "file", "mqtt", "reparse":
	case "version":
		fmt.Println(Version)
		return
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fs := pflag.NewFlagSet(command, pflag.ExitOnError)
	topic := fs.String("topic", cfg.MQTT.Topic, "MQTT topic the dispatch loop subscribes to")
	clientID := fs.String("client-id", cfg.MQTT.ClientID, "MQTT client id (generated when empty)")
	thing := fs.String("thing", "", "UUID of the thing to reparse (reparse only)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	cfg.MQTT.Topic = *topic
	cfg.MQTT.ClientID = *clientID
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "tsm-ingest-" + command + "-" + uuid.NewString()[:8]
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format, command)
	metrics.Init(logger.Get("metrics"))
	log.Info().Str("version", Version).Str("command", command).Msg("Starting tsm-ingest...")

	if command == "reparse" {
		id, err := uuid.Parse(*thing)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --thing must be a thing UUID: %v\n", err)
			os.Exit(2)
		}
		if err := runReparse(cfg, id); err != nil {
			log.Fatal().Err(err).Str("thing", id.String()).Msg("Reparse failed")
		}
		return
	}

	if err := runLoop(command, cfg); err != nil {
		var fatal *dispatch.FatalError
		if errors.As(err, &fatal) {
			log.Fatal().Err(fatal.Err).Str("topic", fatal.Topic).Msg("Ingest stopped on fatal error")
		}
		log.Fatal().Err(err).Msg("Ingest failed")
	}
	log.Info().Msg("tsm-ingest shutdown complete")
}

// components are the collaborators shared by all commands
type components struct {
	configDB *configdb.Store
	storage  *storage.ResilientBackend
	dbapi    *dbapi.Client
	mqtt     *mqtt.Client
}

func connect(ctx context.Context, cfg *config.Config, coordinator *shutdown.Coordinator, topics ...string) (*components, error) {
	c := &components{}

	store, err := configdb.Connect(ctx, cfg.ConfigDB, logger.Get("configdb"))
	if err != nil {
		return nil, err
	}
	c.configDB = store
	coordinator.RegisterFunc("configdb", func(context.Context) error {
		store.Close()
		return nil
	}, shutdown.PriorityConfigDB)

	backend, err := storage.New(cfg.Storage, logger.Get("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	c.storage = storage.NewResilientBackend(backend, storage.DefaultResilientConfig(), logger.Get("storage"))
	coordinator.Register("storage", c.storage, shutdown.PriorityStorage)
	log.Info().Str("backend", c.storage.Type()).Msg("Storage backend ready")

	c.dbapi = dbapi.New(cfg.DBAPI, logger.Get("dbapi"))
	if err := c.dbapi.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("url", cfg.DBAPI.BaseURL).Msg("Database API not reachable yet")
	}

	client, err := mqtt.New(mqtt.OptionsFromConfig(cfg.MQTT, topics...), logger.Get("mqtt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	c.mqtt = client
	coordinator.Register("mqtt", client, shutdown.PriorityMQTT)
	return c, nil
}

func runLoop(command string, cfg *config.Config) error {
	coordinator := shutdown.New(cfg.Shutdown.Timeout, logger.Get("shutdown"))
	ctx, cancel := coordinator.Context(context.Background())
	defer cancel()

	pingTopic := healthcheck.PingTopic(cfg.MQTT.ClientID)
	c, err := connect(ctx, cfg, coordinator, cfg.MQTT.Topic, pingTopic)
	if err != nil {
		coordinator.Shutdown()
		return err
	}

	jrnl, err := journal.New("Parser", c.dbapi, cfg.Journal, logger.Get("journal"))
	if err != nil {
		coordinator.Shutdown()
		return err
	}

	var handler dispatch.Handler
	switch command {
	case "file":
		handler = ingest.NewFileIngest(ingest.FileConfig{
			Things:          c.configDB,
			Storage:         c.storage,
			Database:        c.dbapi,
			Journal:         jrnl,
			Publisher:       c.mqtt,
			Mappings:        mapping.NewWriter(cfg.Mapping.Dir, logger.Get("mapping")),
			TopicDataParsed: cfg.MQTT.TopicDataParsed,
			QoS:             byte(cfg.MQTT.QoS),
			MaxFileSize:     cfg.Storage.MaxFileSize,
		}, logger.Get("ingest"))
	case "mqtt":
		handler = ingest.NewMQTTIngest(ingest.MQTTConfig{
			Things:          c.configDB,
			Database:        c.dbapi,
			Journal:         jrnl,
			Publisher:       c.mqtt,
			Broker:          c.mqtt.Broker(),
			TopicDataParsed: cfg.MQTT.TopicDataParsed,
			QoS:             byte(cfg.MQTT.QoS),
		}, logger.Get("ingest"))
	}

	monitor, err := healthcheck.New(healthcheck.Config{
		ClientID: cfg.MQTT.ClientID,
		Interval: cfg.MQTT.HealthcheckInterval,
		Timeout:  cfg.MQTT.HealthcheckTimeout,
	}, c.mqtt, logger.Get("healthcheck"))
	if err != nil {
		coordinator.Shutdown()
		return err
	}
	if err := monitor.Start(); err != nil {
		coordinator.Shutdown()
		return err
	}
	coordinator.Register("healthcheck", monitor, shutdown.PriorityHealthcheck)

	loop := dispatch.New(dispatch.Config{
		Name:        command,
		HealthTopic: pingTopic,
		Watcher:     monitor,
	}, c.mqtt, handler, logger.Get("dispatch"))

	g, gctx := errgroup.WithContext(ctx)

	loopDone := make(chan struct{})
	g.Go(func() error {
		defer close(loopDone)
		defer coordinator.Trigger()
		return loop.Run(gctx)
	})
	coordinator.RegisterFunc("dispatch-loop", func(ctx context.Context) error {
		select {
		case <-loopDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.PriorityLoop)

	if cfg.Server.Enabled {
		series := metrics.NewTimeSeriesCollector(metrics.Get(), 720, 10*time.Second)
		series.Start()
		coordinator.Register("timeseries", series, shutdown.PriorityHTTPServer)

		server := api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, logger.Get("api"))
		server.SetTimeSeries(series)
		server.AddLiveness("mqtt-subscriber", monitor.Healthy)
		server.AddReadiness("configdb", c.configDB.Ping)
		server.AddReadiness("dbapi", c.dbapi.Ping)
		server.AddReadiness("mqtt", func(context.Context) error {
			if !c.mqtt.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		server.AddStats("loop", func() any { return loop.Stats() })
		server.AddStats("mqtt", func() any { return c.mqtt.GetStats() })
		server.AddStats("breakers", func() any {
			return map[string]any{
				"dbapi":   c.dbapi.BreakerStats(),
				"storage": c.storage.CircuitBreakerStats(),
			}
		})
		server.RegisterRoutes()

		coordinator.RegisterFunc("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
		g.Go(server.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		return coordinator.Shutdown()
	})

	log.Info().
		Str("use_case", command).
		Str("topic", cfg.MQTT.Topic).
		Str("client_id", cfg.MQTT.ClientID).
		Str("version", Version).
		Msg("tsm-ingest is ready!")

	return g.Wait()
}

func runReparse(cfg *config.Config, thing uuid.UUID) error {
	coordinator := shutdown.New(cfg.Shutdown.Timeout, logger.Get("shutdown"))
	defer coordinator.Shutdown()
	ctx, cancel := coordinator.Context(context.Background())
	defer cancel()

	c, err := connect(ctx, cfg, coordinator)
	if err != nil {
		return err
	}

	reparser := ingest.NewReparser(c.configDB, c.storage, c.mqtt, cfg.MQTT.TopicNotification, logger.Get("reparse"))
	count, err := reparser.Reparse(ctx, thing)
	if err != nil {
		return err
	}
	log.Info().Str("thing", thing.String()).Int("files", count).Msg("Reparse requested")
	fmt.Printf("%d files of thing %s announced for reparsing\n", count, thing)
	return nil
}
