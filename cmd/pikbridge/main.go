// Command pikbridge polls the PIK Comfort intercom APIs and bridges
// doors, meters, cameras, and call events into Home Assistant over
// MQTT discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"pikbridge/internal/blob"
	"pikbridge/internal/bridge"
	"pikbridge/internal/config"
	"pikbridge/internal/coordinator"
	"pikbridge/internal/influx"
	"pikbridge/internal/metrics"
	"pikbridge/internal/mqtt"
	"pikbridge/internal/pik"
	"pikbridge/internal/server"
	"pikbridge/internal/session"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("pikbridge exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := blob.Open(cfg.Session)
	if err != nil {
		return err
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = session.LoadDeviceID(ctx, store)
		if err != nil {
			logger.Warn("persisted device id unavailable", zap.Error(err))
		}
	}
	if deviceID == "" {
		deviceID = pik.GenerateDeviceID()
		logger.Info("generated device id", zap.String("device_id", deviceID))
	}

	client, err := pik.NewClient(pik.Config{
		Username:   cfg.Username,
		Password:   cfg.Password,
		DeviceID:   deviceID,
		ICMBaseURL: cfg.API.ICMBaseURL,
		IoTBaseURL: cfg.API.IoTBaseURL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	keeper := session.NewKeeper(client, store, logger)
	if err := keeper.Establish(ctx); err != nil {
		return err
	}

	intercomsFeed := coordinator.NewPoller(coordinator.Options{
		Name:     "icm_intercoms",
		Interval: cfg.IntercomsInterval(),
		Logger:   logger,
	}, func(ctx context.Context) error {
		if err := client.UpdateProperties(ctx); err != nil {
			return err
		}
		return client.UpdateAllIcmIntercoms(ctx)
	})

	iotFeed := coordinator.NewPoller(coordinator.Options{
		Name:     "iot_devices",
		Interval: cfg.IotInterval(),
		Logger:   logger,
	}, func(ctx context.Context) error {
		if err := client.UpdateIotIntercoms(ctx); err != nil {
			return err
		}
		return client.UpdateIotCameras(ctx)
	})

	metersFeed := coordinator.NewPoller(coordinator.Options{
		Name:     "iot_meters",
		Interval: cfg.MetersInterval(),
		Logger:   logger,
	}, client.UpdateIotMeters)

	callsFeed := coordinator.NewPoller(coordinator.Options{
		Name:     "call_sessions",
		Interval: cfg.LastCallSessionInterval(),
		Logger:   logger,
	}, func(ctx context.Context) error {
		return client.UpdateCallSessions(ctx, cfg.MaxCallSessionPages)
	})

	feeds := []coordinator.Refresher{intercomsFeed, iotFeed, metersFeed, callsFeed}

	// All feeds must succeed once before anything is announced; one
	// failure aborts startup.
	if err := coordinator.RefreshAll(ctx, feeds...); err != nil {
		return err
	}
	logger.Info("initial data load complete",
		zap.Int("properties", len(client.Properties())),
		zap.Int("icm_intercoms", len(client.IcmIntercoms())),
		zap.Int("iot_relays", len(client.IotRelays())),
		zap.Int("iot_meters", len(client.IotMeters())))

	broker, err := mqtt.Connect(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	writer, err := influx.Open(cfg.Influx, logger)
	if err != nil {
		return err
	}
	defer writer.Close()

	ha := bridge.New(client, broker, cfg.MQTT, logger)
	if err := ha.Start(); err != nil {
		return err
	}
	ha.Sync()
	ha.PublishSnapshots(ctx)

	intercomsFeed.AddListener(ha.Sync)
	iotFeed.AddListener(func() {
		ha.Sync()
		ha.PublishSnapshots(ctx)
	})
	metersFeed.AddListener(func() {
		ha.Sync()
		writer.RecordMeters(client.IotMeters())
	})

	var lastRecordedCall time.Time
	callsFeed.AddListener(func() {
		ha.PublishStates()
		last := client.LastCallSession()
		if last == nil || last.NotifiedAt == nil || !last.NotifiedAt.After(lastRecordedCall) {
			return
		}
		lastRecordedCall = *last.NotifiedAt
		writer.RecordCallSession(last)
	})
	writer.RecordMeters(client.IotMeters())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(client, feeds...),
	)

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, server.NewMux(client, registry, feeds))
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	for _, feed := range feeds {
		go feed.Run(ctx)
	}
	go keeper.Run(ctx, cfg.ReauthInterval())

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadConfig reads the YAML file when it exists and falls back to a
// pure environment configuration otherwise.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.LoadEnv()
	}
	return config.Load(path)
}
