// Stormhold - multiplayer game server.
//
// Stormhold relays turn-based multiplayer games between clients: it
// hosts the lobby and chat rooms, tracks game sessions and side
// ownership, archives replays, and exposes a REST API and MQTT
// telemetry for operators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/api"
	"github.com/stormhold-project/stormhold/internal/cli"
	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/events"
	"github.com/stormhold-project/stormhold/internal/network"
	"github.com/stormhold-project/stormhold/internal/scheduler"
	"github.com/stormhold-project/stormhold/internal/server"
	"github.com/stormhold-project/stormhold/internal/store"
	"github.com/stormhold-project/stormhold/internal/telemetry"
	"github.com/stormhold-project/stormhold/internal/util"
)

const (
	AppName    = "Stormhold"
	AppVersion = "1.0.0"
	Banner     = `
  ____  _                        _           _     _
 / ___|| |_ ___  _ __ _ __ ___  | |__   ___ | | __| |
 \___ \| __/ _ \| '__| '_ ' _ \ | '_ \ / _ \| |/ _' |
  ___) | || (_) | |  | | | | | || | | | (_) | | (_| |
 |____/ \__\___/|_|  |_| |_| |_||_| |_|\___/|_|\__,_|
                                                v%s
 Multiplayer Game Server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Stormhold")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logCfg := util.DefaultLogConfig()
	logCfg.Level = cfg.ApplicationData.Logging.Level
	logCfg.Directory = cfg.ApplicationData.Logging.Directory
	logCfg.MaxBackups = cfg.ApplicationData.Logging.MaxBackups
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	sysInfo := util.GetSystemInfo()
	localIP, _ := util.GetLocalIP()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Str("local_ip", localIP).
		Msg("system information")

	ensureTLSCert(cfg)

	srvCfg := cfg.GetServer()
	var st *store.Store
	if srvCfg.DatabasePath != "" {
		st, err = store.Open(srvCfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer st.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewBus()

	core := server.New(cfg, st, eventBus)
	core.SetShutdown(cancel)

	listener := network.NewListener(cfg, core)
	apiServer := api.NewServer(cfg, core)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, core)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, eventBus, core, st)
	cliHandler := cli.NewCLI(cfg, core)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", srvCfg.Port).Msg("starting game listener")
		if err := listener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("game listener failed")
			errCh <- fmt.Errorf("game listener: %w", err)
		}
	}()

	if cfg.ApplicationData.API.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.ApplicationData.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive console")
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	listener.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("Stormhold stopped")
}

// ensureTLSCert generates a self-signed pair when TLS is configured but
// the files do not exist yet.
func ensureTLSCert(cfg *config.Config) {
	srv := cfg.GetServer()
	if srv.TLSCertFile == "" || srv.TLSKeyFile == "" {
		return
	}
	if util.FileExists(srv.TLSCertFile) && util.FileExists(srv.TLSKeyFile) {
		return
	}
	log.Info().
		Str("cert", srv.TLSCertFile).
		Str("key", srv.TLSKeyFile).
		Msg("TLS configured but certificate missing, generating self-signed pair")
	if err := util.GenerateSelfSignedCert(srv.TLSCertFile, srv.TLSKeyFile); err != nil {
		log.Warn().Err(err).Msg("failed to generate TLS certificate, TLS disabled")
	}
}
