package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"soundfleet/internal/blob"
	"soundfleet/internal/nodes"
	"soundfleet/internal/pipeline"
	"soundfleet/internal/recordings"
	"soundfleet/internal/routing"
	"soundfleet/internal/tasklog"
	"soundfleet/internal/worker"
	"soundfleet/pkg/bus"
	"soundfleet/pkg/config"
	"soundfleet/pkg/database"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
	"soundfleet/pkg/monitoring"
	"soundfleet/pkg/server"
	"soundfleet/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("resonator")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Resonator (analysis worker)")

	mongoURI := config.RequireEnv("MONGO_URI")
	mongoDB := config.GetEnv("MONGO_DB", "soundfleet")
	amqpURL := config.RequireEnv("AMQP_URL")

	nodeID := config.GetEnv("NODE_ID", "")
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	hostname, _ := os.Hostname()
	nodeInfo := models.NodeInfo{
		Hostname:           hostname,
		Version:            version.Version,
		MaxConcurrentTasks: config.GetEnvInt("MAX_CONCURRENT_TASKS", 1),
	}

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

	// Register in the node fleet and keep the heartbeat going
	registry := nodes.NewRegistry(db, nodeID, nodeInfo,
		config.GetEnvDuration("NODE_HEARTBEAT_INTERVAL", 15*time.Second), logger)
	if err := registry.Register(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to register worker node")
	}
	go registry.RunHeartbeat(ctx)
	defer func() {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if err := registry.Unregister(unregCtx); err != nil {
			logger.WithError(err).Warn("Failed to unregister worker node")
		}
	}()

	// Pipeline wiring
	recordingStore := recordings.NewStore(db)
	ruleStore := routing.NewStore(db)
	logStore := tasklog.NewStore(db)
	blobStore := blob.NewGridFS(db)

	executor := pipeline.NewExecutor(recordingStore, ruleStore, blobStore, pipeline.DefaultProcessors(), nodeID, logger)
	handler := worker.NewHandler(executor, logStore, registry, nodeID, nodeInfo, logger)

	// Broker consumer
	busCfg := bus.DefaultConfig(amqpURL)
	busCfg.Prefetch = config.GetEnvInt("BUS_PREFETCH", 1)
	consumer := bus.NewConsumer(busCfg, handler.Handle, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("resonator", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("resonator", version.Version, version.GitCommit)

	healthChecker.AddCheck("mongodb", monitoring.MongoHealthCheck(db.Client))
	healthChecker.AddCheck("broker", monitoring.BrokerHealthCheck("rabbitmq", consumer.HealthCheck))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"MONGO_URI": mongoURI,
		"AMQP_URL":  amqpURL,
	}))

	_, _, consumersActive := metricsCollector.CreateBrokerMetrics()
	consumersActive.WithLabelValues(busCfg.Queue).Set(1)
	defer consumersActive.WithLabelValues(busCfg.Queue).Set(0)

	// Consume until shutdown, reconnecting on broker failures
	go func() {
		retryable := bus.NewRetryableConsumer(consumer, logger)
		if err := retryable.Run(ctx); err != nil {
			logger.WithError(err).Error("Consumer stopped")
		}
	}()

	// HTTP server for health and metrics, blocks until SIGTERM
	app := server.SetupServiceRouter(logger, "resonator", healthChecker, metricsCollector)
	serverConfig := server.DefaultConfig("resonator", "18081")
	if err := server.Start(serverConfig, app, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
