// TappsHA Core - Automation Governance Subsystem
//
// This is the main entry point for the TappsHA governance service. It
// gates every automation change in the home behind an approval
// workflow, keeps an append-only lifecycle history, snapshots
// automations before destructive changes, and pushes real-time
// governance notifications to connected clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/wtthornton/tappsha-core/migrations"

	"github.com/wtthornton/tappsha-core/internal/api"
	"github.com/wtthornton/tappsha-core/internal/approval"
	"github.com/wtthornton/tappsha-core/internal/auth"
	"github.com/wtthornton/tappsha-core/internal/backup"
	"github.com/wtthornton/tappsha-core/internal/emergency"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/config"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/database"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/influxdb"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/logging"
	"github.com/wtthornton/tappsha-core/internal/infrastructure/mqtt"
	"github.com/wtthornton/tappsha-core/internal/lifecycle"
	"github.com/wtthornton/tappsha-core/internal/platform"
	"github.com/wtthornton/tappsha-core/internal/realtime"
	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
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

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TappsHA Core",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database and migrate
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Seed the initial admin account if the user table is empty
	userRepo := auth.NewUserRepository(db.DB)
	if _, seedErr := auth.SeedAdmin(ctx, userRepo, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// Connect to the home-automation platform over MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB for governance telemetry (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// ─── Governance engines ───

	adapter := platform.NewAdapter(mqttClient, log)

	lifecycleEngine := lifecycle.NewEngine(
		lifecycle.NewSQLiteRepository(db.DB),
		adapter,
		lifecycle.RetryConfig{
			MaxAttempts: cfg.Governance.Platform.MaxAttempts,
			Delay:       time.Duration(cfg.Governance.Platform.RetryDelayMS) * time.Millisecond,
		},
		log,
	)

	backupManager := backup.NewManager(
		backup.NewSQLiteRepository(db.DB),
		lifecycleEngine,
		backup.Retention{
			MaxPerAutomation: cfg.Governance.Backups.MaxPerAutomation,
			MaxAge:           time.Duration(cfg.Governance.Backups.MaxAgeDays) * 24 * time.Hour,
		},
		log,
	)

	approvalEngine := approval.NewEngine(
		approval.NewSQLiteRepository(db.DB),
		lifecycleEngine,
		backupManager,
		riskPolicy(cfg.Governance.RiskPolicy),
		log,
	)

	coordinator := emergency.NewCoordinator(
		emergency.NewSQLiteRepository(db.DB),
		lifecycleEngine,
		approvalEngine,
		log,
	)
	approvalEngine.SetStopper(coordinator)

	suggestionService := suggestion.NewService(
		suggestion.NewSQLiteRepository(db.DB),
		lifecycleEngine,
		approvalEngine,
		log,
	)

	// ─── Real-time layer ───

	registry := realtime.NewRegistry(
		cfg.Security.RateLimit.ConnectionsPerOrigin,
		time.Duration(cfg.Governance.HeartbeatTimeout)*time.Second,
		log,
	)
	broker := realtime.NewBroker(registry, log)

	messagesPerMinute := 0
	if cfg.Security.RateLimit.Enabled {
		messagesPerMinute = cfg.Security.RateLimit.MessagesPerMinute
	}
	limiter := realtime.NewLimiter(messagesPerMinute, time.Minute)

	dispatcher := realtime.NewDispatcher(broker, log)
	lifecycleEngine.SetNotifier(dispatcher)
	approvalEngine.SetNotifier(dispatcher)
	coordinator.SetNotifier(dispatcher)
	suggestionService.SetNotifier(dispatcher)

	if influxClient != nil {
		lifecycleEngine.SetMetrics(influxClient)
		approvalEngine.SetMetrics(influxClient)
		coordinator.SetMetrics(influxClient)
	}

	// Session supervisor reaps sessions that stop responding to pings
	go registry.Run(ctx)

	// Feed platform execution acks into lifecycle stats
	ackListener := platform.NewAckListener(mqttClient, lifecycleEngine, log)
	if err := ackListener.Start(ctx); err != nil {
		return fmt.Errorf("starting ack listener: %w", err)
	}

	// ─── HTTP API ───

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Lifecycle:   lifecycleEngine,
		Approvals:   approvalEngine,
		Backups:     backupManager,
		Emergency:   coordinator,
		Suggestions: suggestionService,
		UserRepo:    userRepo,
		Registry:    registry,
		Broker:      broker,
		Limiter:     limiter,
		MQTT:        mqttClient,
		DB:          db.DB,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("TappsHA Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TAPPSHA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TAPPSHA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// riskPolicy converts the string-keyed config map into the approval
// engine's policy table. Levels absent from the config default to
// requiring manual approval.
func riskPolicy(raw map[string]bool) approval.Policy {
	policy := approval.Policy{
		approval.RiskLow:      true,
		approval.RiskMedium:   true,
		approval.RiskHigh:     true,
		approval.RiskCritical: true,
	}
	for level, required := range raw {
		policy[approval.RiskLevel(level)] = required
	}
	return policy
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
