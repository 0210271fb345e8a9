package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagelink.io/dspgw/dsp"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("device-addr", "127.0.0.1:48631", "Host:port of the unit's TCP control port")
	flag.String("serial-port", "", "Serial port to the unit's RS-232 control port (overrides TCP)")
	flag.Int("baud-rate", 57600, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("mqtt-broker", "", "MQTT broker URL for push publishing (empty disables)")
	flag.Int("refresh-low", 0, "Low end of the controller range refreshed after connect")
	flag.Int("refresh-high", 0, "High end of the controller range refreshed after connect")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var dialer dsp.Dialer
	if config.SerialPort != "" {
		dialer = dsp.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}
	} else {
		dialer = dsp.TCPDialer{
			Addr:    config.DeviceAddr,
			Timeout: 10 * time.Second,
		}
	}

	deviceConfig, err := dsp.NewConfigBuilder().
		WithDialer(dialer).
		WithResponseTimeout(time.Duration(config.ResponseTimeout)).
		WithReconnectDelay(time.Duration(config.ReconnectDelay)).
		WithRefreshOnConnect(config.RefreshLow, config.RefreshHigh).
		WithLogger(logger.With("component", "dsp")).
		Build()
	if err != nil {
		logger.Error("Failed to create device config", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	device, err := dsp.New(runCtx, deviceConfig)
	if err != nil {
		logger.Error("Failed to connect to device", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting DSP gateway")

	go func() {
		if err := device.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Device loop failed", "error", err)
			os.Exit(1)
		}
	}()

	if config.MqttBroker != "" {
		publisher, err := NewPushPublisher(config, logger.With("component", "mqtt"))
		if err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		go publisher.Run(device.Pushes())
		logger.Info("Publishing pushes to MQTT", "broker", config.MqttBroker, "topic", config.MqttTopic)
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Device: device,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	logger.Info("Closing device connection")
	cancelRun()
	if err := device.Close(); err != nil {
		logger.Error("Failed to close device", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}
