package main

import (
	"context"
	"time"

	"soundfleet/internal/devices"
	"soundfleet/internal/dispatch"
	"soundfleet/internal/edge"
	"soundfleet/internal/nodes"
	"soundfleet/internal/realtime"
	"soundfleet/internal/recordings"
	"soundfleet/internal/routing"
	"soundfleet/internal/schedule"
	"soundfleet/internal/tasklog"
	"soundfleet/pkg/bus"
	"soundfleet/pkg/config"
	"soundfleet/pkg/database"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
	"soundfleet/pkg/monitoring"
	"soundfleet/pkg/server"
	"soundfleet/pkg/version"

	"github.com/gin-gonic/gin"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("maestro")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Maestro (fleet control plane)")

	mongoURI := config.RequireEnv("MONGO_URI")
	mongoDB := config.GetEnv("MONGO_DB", "soundfleet")
	amqpURL := config.RequireEnv("AMQP_URL")

	heartbeatTimeout := config.GetEnvDuration("DEVICE_HEARTBEAT_TIMEOUT", 90*time.Second)
	nodeTimeout := config.GetEnvDuration("NODE_HEARTBEAT_TIMEOUT", 60*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := database.Connect(connectCtx, mongoURI, mongoDB, logger)
	connectCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer db.Close(context.Background())

	if err := db.EnsureIndexes(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure indexes")
	}

	// Connect to broker
	publisher, err := bus.NewPublisher(busConfig(amqpURL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to message broker")
	}
	defer publisher.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("maestro", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("maestro", version.Version, version.GitCommit)

	healthChecker.AddCheck("mongodb", monitoring.MongoHealthCheck(db.Client))
	healthChecker.AddCheck("broker", monitoring.BrokerHealthCheck("rabbitmq", publisher.HealthCheck))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"MONGO_URI": mongoURI,
		"AMQP_URL":  amqpURL,
	}))

	activeItems, _, _ := metricsCollector.CreateBusinessMetrics()

	// Realtime hub for dashboard subscribers
	rtHub := realtime.NewHub(logger)
	go rtHub.Run()

	// Stores
	deviceStore := devices.NewStore(db, heartbeatTimeout, logger)
	ruleStore := routing.NewStore(db)
	recordingStore := recordings.NewStore(db)
	logStore := tasklog.NewStore(db)
	nodeStore := nodes.NewStore(db)

	engine := routing.NewEngine(logger)
	dispatcher := dispatch.NewDispatcher(ruleStore, ruleStore, recordingStore, logStore, publisher, logger)

	// Device transport. The schedule runner and the edge manager call
	// into each other, so the commander is bound through a closure.
	edgeHub := edge.NewHub(logger)
	var manager *edge.Manager
	runner := schedule.NewRunner(deviceStore, schedule.CommanderFunc(
		func(deviceID, recordingID string, durationSeconds int) error {
			return manager.StartRecording(deviceID, recordingID, durationSeconds)
		}), logger)
	manager = edge.NewManager(edgeHub, deviceStore, dispatcher, rtHub, runner, logger)

	go runner.Run(ctx)

	// Node liveness monitor feeding the dashboard
	monitor := nodes.NewMonitor(nodeStore, rtHub, nodeTimeout, config.GetEnvDuration("NODE_MONITOR_INTERVAL", 15*time.Second), logger)
	go monitor.Run(ctx)

	// Route new recordings through the rule engine as they appear
	go watchRecordings(ctx, recordingStore, ruleStore, engine, dispatcher, logger)

	// Periodic backfill for rules that opted in
	go runBackfill(ctx, ruleStore, dispatcher, config.GetEnvDuration("BACKFILL_INTERVAL", 10*time.Minute), logger)

	// Fleet gauges for the dashboard
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				activeItems.WithLabelValues("connected_devices").Set(float64(len(edgeHub.ConnectedDevices())))
				activeItems.WithLabelValues("schedule_timers").Set(float64(runner.ActiveTimers()))
			}
		}
	}()

	// Setup router with unified monitoring
	app := server.SetupServiceRouter(logger, "maestro", healthChecker, metricsCollector)

	app.GET("/ws/devices", func(c *gin.Context) {
		edgeHub.ServeWS(c.Writer, c.Request)
	})
	app.GET("/ws/dashboard", func(c *gin.Context) {
		rtHub.ServeWS(c.Writer, c.Request)
	})

	serverConfig := server.DefaultConfig("maestro", "18080")
	if err := server.Start(serverConfig, app, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

func busConfig(amqpURL string) bus.Config {
	cfg := bus.DefaultConfig(amqpURL)
	cfg.MessageTTL = config.GetEnvDuration("BUS_MESSAGE_TTL", 0)
	return cfg
}

// watchRecordings feeds freshly inserted recordings to the rule engine.
// Change streams need a replica set; when they are unavailable the loop
// degrades to polling for recordings that have never been analyzed.
func watchRecordings(ctx context.Context, recordingStore *recordings.Store, ruleStore *routing.Store, engine *routing.Engine, dispatcher *dispatch.Dispatcher, logger logging.Logger) {
	routeOne := func(rec models.Recording) {
		rules, err := ruleStore.ListEnabled(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to list routing rules")
			return
		}
		matched := engine.Match(rules, rec.Metadata)
		if len(matched) == 0 {
			return
		}
		result := dispatcher.DispatchMatched(ctx, rec.ID, matched)
		logger.WithFields(logging.Fields{
			"recording_id": rec.ID,
			"matched":      len(matched),
			"dispatched":   result.Dispatched,
		}).Info("Recording routed")
	}

	err := recordingStore.Watch(ctx, routeOne)
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.WithError(err).Warn("Change stream unavailable, polling for new recordings")

	ticker := time.NewTicker(config.GetEnvDuration("RECORDING_POLL_INTERVAL", 30*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := recordingStore.FindPending(ctx, 100)
			if err != nil {
				logger.WithError(err).Error("Failed to poll pending recordings")
				continue
			}
			for _, rec := range pending {
				routeOne(rec)
			}
		}
	}
}

// runBackfill periodically applies backfill-enabled rules to the
// historical recordings they match
func runBackfill(ctx context.Context, ruleStore *routing.Store, dispatcher *dispatch.Dispatcher, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rules, err := ruleStore.ListEnabled(ctx)
			if err != nil {
				logger.WithError(err).Error("Failed to list rules for backfill")
				continue
			}
			for _, rule := range rules {
				if !rule.BackfillEnabled || len(rule.RouterIDs) == 0 {
					continue
				}
				result, err := dispatcher.Backfill(ctx, rule.RouterIDs[0], 0)
				if err != nil {
					logger.WithError(err).WithFields(logging.Fields{
						"rule_id": rule.RuleID,
					}).Warn("Backfill failed")
					continue
				}
				if result.Dispatched > 0 {
					logger.WithFields(logging.Fields{
						"rule_id":    rule.RuleID,
						"dispatched": result.Dispatched,
					}).Info("Backfill dispatched tasks")
				}
			}
		}
	}
}
