// pumpcore keeps a water tank pump controller's state in step with the
// Blynk cloud relay.
//
// It reconciles three ingestion paths (user control, relay poll-sync and
// relay webhooks) into one record per device, and exposes that record over
// HTTP, WebSocket and MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/digiblynk/pumpcore/migrations"

	"github.com/digiblynk/pumpcore/internal/api"
	"github.com/digiblynk/pumpcore/internal/bridges/statebus"
	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
	"github.com/digiblynk/pumpcore/internal/infrastructure/database"
	"github.com/digiblynk/pumpcore/internal/infrastructure/dynamodb"
	"github.com/digiblynk/pumpcore/internal/infrastructure/influxdb"
	"github.com/digiblynk/pumpcore/internal/infrastructure/logging"
	"github.com/digiblynk/pumpcore/internal/infrastructure/metrics"
	"github.com/digiblynk/pumpcore/internal/infrastructure/mqtt"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application body, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting pumpcore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	channels, err := channel.NewMapFromConfig(cfg.Channels)
	if err != nil {
		return fmt.Errorf("building channel map: %w", err)
	}
	log.Info("channel map loaded", "channels", channels.IDs())

	m := metrics.New()

	// State store
	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	}

	reconciler := state.NewReconciler(channels, store)
	reconciler.SetLogger(log)
	reconciler.SetRecorder(m)
	reader := state.NewReader(channels, store)

	// Relay
	relayClient, err := relay.NewHTTPClient(relay.Config{
		BaseURL: cfg.Relay.BaseURL,
		Token:   cfg.Relay.Token,
		Timeout: cfg.Relay.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating relay client: %w", err)
	}
	relayClient.SetLogger(log)
	relayClient.SetObserver(m)

	deviceID := cfg.Device.ID
	control := ingest.NewControl(deviceID, channels, relayClient, reconciler)
	control.SetLogger(log)
	pollSync := ingest.NewPollSync(deviceID, channels, relayClient, reconciler)
	pollSync.SetLogger(log)
	webhook := ingest.NewWebhook(deviceID, channels, reconciler)
	webhook.SetLogger(log)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		reconciler.OnApplied(influxClient.OnApplied)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}
	pollSync.SetObserver(&syncTelemetry{deviceID: deviceID, metrics: m, influx: influxClient})

	// MQTT state bus (optional)
	var mqttClient *mqtt.Client
	var bus *statebus.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, bus, err = startStateBus(ctx, cfg, deviceID, webhook, reconciler, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping state bus")
			bus.Stop()
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT state bus disabled")
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		DeviceID: deviceID,
		Channels: channels,
		Reader:   reader,
		Control:  control,
		Sync:     pollSync,
		Webhook:  webhook,
		Notifier: reconciler,
		Metrics:  m,
		DB:       db,
		StateBus: bus,
		Influx:   influxClient,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Scheduled poll-sync (optional)
	if cfg.Relay.PollInterval > 0 {
		poller := ingest.NewPoller(pollSync, cfg.Relay.PollInterval)
		poller.SetLogger(log)
		poller.Start(ctx)
		defer poller.Stop()
		log.Info("poll-sync scheduled", "interval", cfg.Relay.PollInterval)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"device_id", deviceID,
		"store", cfg.Store.Backend,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns PUMPCORE_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("PUMPCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStore opens the configured state backend. The returned DB is non-nil
// only for the SQLite backend and must be closed by the caller.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (state.Store, *database.DB, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		log.Warn("using in-memory state store, state is lost on restart")
		return state.NewMemoryStore(), nil, nil

	case config.StoreBackendDynamoDB:
		client, err := dynamodb.Connect(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to DynamoDB: %w", err)
		}
		created, err := dynamodb.EnsureTable(ctx, client, cfg.DynamoDB.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("preparing DynamoDB table: %w", err)
		}
		log.Info("DynamoDB state store ready",
			"table", cfg.DynamoDB.Table,
			"region", cfg.DynamoDB.Region,
			"created", created,
		)
		return state.NewDynamoStore(client, cfg.DynamoDB.Table), nil, nil

	default:
		db, err := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("SQLite state store ready", "path", db.Path())
		return state.NewSQLiteStore(db.DB), db, nil
	}
}

// startStateBus connects to the broker and starts the bridge that mirrors
// committed state to MQTT and ingests pushes from it.
func startStateBus(ctx context.Context, cfg *config.Config, deviceID string, webhook *ingest.Webhook, reconciler *state.Reconciler, log *logging.Logger) (*mqtt.Client, *statebus.Bridge, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bus, err := statebus.New(statebus.Options{
		DeviceID: deviceID,
		Topics:   client.Topics(),
		MQTT:     client,
		Ingester: webhook,
		Logger:   log,
	})
	if err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("creating state bus: %w", err)
	}
	if err := bus.Start(ctx); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("starting state bus: %w", err)
	}
	reconciler.OnApplied(bus.OnApplied)
	log.Info("MQTT state bus started", "state_topic", client.Topics().State(deviceID))

	return client, bus, nil
}

// healthChecker is implemented by every component with a HealthCheck.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies every configured component. Nil components are
// skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	checks := []struct {
		name    string
		checker healthChecker
		enabled bool
	}{
		{"database", db, db != nil},
		{"mqtt", mqttClient, mqttClient != nil},
		{"influxdb", influxClient, influxClient != nil},
		{"api", apiServer, apiServer != nil},
	}
	for _, c := range checks {
		if !c.enabled {
			continue
		}
		if err := c.checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// syncTelemetry fans poll-sync outcomes out to Prometheus and, when
// enabled, InfluxDB.
type syncTelemetry struct {
	deviceID string
	metrics  *metrics.Metrics
	influx   *influxdb.Client
}

// ObserveSync implements ingest.SyncObserver.
func (t *syncTelemetry) ObserveSync(result ingest.SyncResult, err error) {
	t.metrics.ObserveSync(result, err)
	if t.influx != nil && err == nil {
		t.influx.WriteSync(t.deviceID, result)
	}
}
