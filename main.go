package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cepro/solisgateway/api"
	"github.com/cepro/solisgateway/config"
	"github.com/cepro/solisgateway/inverter"
	"github.com/cepro/solisgateway/metrics"
	"github.com/cepro/solisgateway/modbus"
	"github.com/cepro/solisgateway/mqttbridge"
	"github.com/cepro/solisgateway/service"
	"github.com/cepro/solisgateway/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
	slog.Info("Exiting")
}

func run(configPath string) error {
	conf, err := config.Read(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	level, err := conf.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Starting gateway...")

	inverterOptions, err := conf.InverterOptions()
	if err != nil {
		return fmt.Errorf("parse inverters: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gatewayMetrics := metrics.New(promRegistry)

	pool := modbus.NewPool(nil)
	store := telemetry.NewStore()
	registry := service.NewRegistry()

	var controllers []*inverter.Controller
	defer func() {
		for _, c := range controllers {
			c.Close()
		}
	}()
	for _, opts := range inverterOptions {
		controllerConfig, err := opts.ControllerConfig()
		if err != nil {
			return err
		}
		c, err := inverter.New(controllerConfig, pool, store, inverter.WithMetrics(gatewayMetrics))
		if err != nil {
			return fmt.Errorf("create inverter %s: %w", opts.InverterSerial, err)
		}
		controllers = append(controllers, c)
		registry.Add(c)
	}
	slog.Info("Created inverter controllers", "count", len(controllers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range controllers {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}

	svc := service.New(registry)
	server := &http.Server{
		Addr:              conf.HTTP.Listen,
		Handler:           api.New(svc, registry, store, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("Serving HTTP", "listen", conf.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if conf.MQTT != nil {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:      conf.MQTT.Broker,
			ClientID:    conf.MQTT.ClientID,
			TopicPrefix: conf.MQTT.TopicPrefix,
			Username:    conf.MQTT.Username,
			Password:    conf.MQTT.Password,
		}, svc, store)
		g.Go(func() error {
			return bridge.Run(ctx)
		})
	}

	// wait for a ctrl-c interrupt, or for one of the tasks to fail, before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-signalChan:
		slog.Info("Received signal, shutting down")
	case <-ctx.Done():
	}
	cancel()

	return g.Wait()
}
