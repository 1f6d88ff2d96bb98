package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/gormanb/roborock-bridge/internal/config"
	"github.com/gormanb/roborock-bridge/internal/engine"
	"github.com/gormanb/roborock-bridge/internal/roborock"
	"github.com/gormanb/roborock-bridge/internal/server"
	"github.com/gormanb/roborock-bridge/internal/tokencache"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "bootstrap" {
		bootstrapMain(args[1:])
		return
	}

	flags := flag.NewFlagSet("roborock-bridge", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath, "Path to config.json")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	log := newLogger(cfg.LogLevel)

	store, err := buildStore(cfg, log)
	if err != nil {
		fatal("token store", err)
	}

	// Re-read on every session start, so a replaced credential file is
	// picked up without a restart.
	var otp roborock.CredentialSource
	if cfg.Account.AuthMode == config.AuthModeOTP {
		otp = roborock.CredentialFile(cfg.Account.CredentialFile)
	}

	api := roborock.NewApiClient(cfg.Account.Email, "")
	sessions := roborock.NewSessionClient(
		cfg.Account.Email,
		roborock.AuthMode(cfg.Account.AuthMode),
		cfg.Account.Password,
		otp,
		api,
		store,
		log,
	)

	channels := &channelPool{}
	defer channels.Close()

	eng := engine.New(sessions, channels.factory, engine.Events{
		OnDeviceRegistered: func(deviceID string, handle *engine.DeviceHandle) {
			log.Info().
				Str("duid", deviceID).
				Str("name", handle.Device.Name).
				Str("model", handle.Product.Model).
				Msg("device registered")
		},
		OnDeviceStateChanged: func(deviceID string, snapshot engine.VacuumSnapshot) {
			log.Debug().
				Str("duid", deviceID).
				Int("state", snapshot.State).
				Int("battery", snapshot.Battery).
				Msg("device state changed")
		},
		OnDiscoveryFailed: func(reason error) {
			log.Warn().Err(reason).Msg("discovery failed, will retry")
		},
	}, engine.Config{
		PollInterval:        cfg.PollInterval(),
		LowBatteryThreshold: cfg.LowBatteryThreshold,
	}, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(engine.NewMetricsCollector(eng))

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", server.HealthHandler)
	httpMux.Handle("/metrics", server.MetricsHandler(registry))
	httpMux.Handle("/devices", server.DevicesHandler(eng))

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, httpMux)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("http serve", err)
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("engine", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	_ = httpServer.Server.Close()
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func buildStore(cfg *config.Config, log zerolog.Logger) (tokencache.Store, error) {
	fileStore, err := tokencache.NewFileStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	if cfg.Blob == nil {
		return fileStore, nil
	}

	accessKey, err := readSecretFile(cfg.Blob.AccessKeyFile)
	if err != nil {
		return nil, err
	}
	secretKey, err := readSecretFile(cfg.Blob.SecretKeyFile)
	if err != nil {
		return nil, err
	}

	s3Store, err := tokencache.NewS3Store(tokencache.S3Config{
		Endpoint:  cfg.Blob.Endpoint,
		Bucket:    cfg.Blob.Bucket,
		Prefix:    cfg.Blob.Prefix,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
	if err != nil {
		return nil, err
	}
	return tokencache.NewMirrorStore(fileStore, s3Store, log), nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// channelPool shares one MQTT connection across every device of a
// session. Credentials are derived from the session's user data, so the
// channel cannot be built before the first session exists.
type channelPool struct {
	mu      sync.Mutex
	channel *roborock.MQTTChannel
}

func (p *channelPool) factory(session *roborock.Session, device roborock.HomeDataDevice, _ roborock.HomeDataProduct) (roborock.DeviceClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		channel, err := roborock.NewMQTTChannel(session.UserData)
		if err != nil {
			return nil, err
		}
		p.channel = channel
	}
	return roborock.NewDeviceClient(session.UserData, device, p.channel)
}

func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
}

func fatal(context string, err error) {
	fmt.Fprintf(os.Stderr, "roborock-bridge: %s: %v\n", context, err)
	os.Exit(1)
}
