package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostcraft/hostd/internal/artifact"
	"github.com/hostcraft/hostd/internal/config"
	"github.com/hostcraft/hostd/internal/controller"
	"github.com/hostcraft/hostd/internal/engine"
	"github.com/hostcraft/hostd/internal/extension"
	"github.com/hostcraft/hostd/internal/logging"
	"github.com/hostcraft/hostd/internal/store"
)

// version and commit are set at build time via ldflags, mirroring the
// source project's own version reporting.
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("hostd " + versionString())
	fmt.Println("=============================================")
	fmt.Printf("HOSTD_SERVER_ID=%s\n", cfg.ServerID)
	fmt.Printf("HOSTD_SERVER_NAME=%s\n", cfg.ServerName)
	fmt.Printf("HOSTD_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("HOSTD_STORE_KIND=%s\n", cfg.StoreKind)
	fmt.Printf("HOSTD_CONTROLLERS=%v\n", cfg.Controllers)
	fmt.Printf("HOSTD_CONTROLLER_TRANSPORT=%s\n", cfg.ControllerTransport)

	st, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var transport controller.Transport
	switch cfg.ControllerTransport {
	case "grpc":
		transport = controller.NewGRPCTransport(cfg.Controllers)
	default:
		transport = controller.NewHTTPTransport(cfg.Controllers)
	}
	token := os.Getenv("HOSTD_CONTROLLER_TOKEN")

	discover := func() []extension.Extension {
		return []extension.Extension{
			extension.NewMetricsExtension(),
			extension.NewNotifyExtension(os.Getenv("HOSTD_NOTIFY_URL"), 10, log.Logger),
		}
	}

	eng, err := engine.New(ctx, cfg, log, st, artifact.NewLocalFactory(), discover, transport, token)
	if err != nil {
		log.Error("failed to start host engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":8231", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("host engine ready", "serverId", cfg.ServerID)
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	eng.Destroy(shutdownCtx)
}

func openStore(cfg *config.Config) (store.StateStore, error) {
	switch cfg.StoreKind {
	case "file":
		return store.OpenFile(cfg.DBPath)
	default:
		return store.OpenBolt(cfg.DBPath)
	}
}
