package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"medication-dispenser/config"
	"medication-dispenser/internal/api"
	"medication-dispenser/internal/backend"
	"medication-dispenser/internal/device"
	"medication-dispenser/internal/dispense"
	"medication-dispenser/internal/notification"
	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/state"
	"medication-dispenser/internal/store"
	"medication-dispenser/internal/summary"
)

const shutdownTimeout = 5 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispenser daemon",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}

	RootCmd.AddCommand(cmd)
}

// openLoopDevice opens the serial link for the control loop.
var openLoopDevice = func(cfg *config.Config) (dispense.Device, error) {
	link, err := device.Open(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial link: %w", err)
	}
	atexit.Register(func() { link.Close() })
	if cfg.Dispenser.DryRun {
		log.Warn().Msg("dry run: actuations are simulated")
		return device.DryRun{Reader: link}, nil
	}
	return link, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("config", configPath).Str("machine_id", cfg.Machine.ID).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// serve wires every component and runs the control loop until ctx ends or the
// loop stops on a fatal error.
func serve(ctx context.Context, cfg *config.Config) error {
	dev, err := openLoopDevice(cfg)
	if err != nil {
		return err
	}

	client := backend.New(cfg.Backend)

	var appStore store.Store
	if cfg.Offline.Driver == "database" || cfg.Push.Enabled() {
		appStore, err = openAppStore(cfg)
		if err != nil {
			return err
		}
	}
	reports, err := openReportStore(cfg, appStore)
	if err != nil {
		return err
	}
	queue := offline.NewQueue(reports)

	pub, err := state.NewFilePublisher(cfg.State.Path)
	if err != nil {
		return err
	}

	loop := dispense.New(dispense.OptionsFrom(cfg), dispense.Deps{
		Device:    dev,
		Backend:   client,
		Queue:     queue,
		Publisher: pub,
	})

	deps := api.Deps{State: pub, StatePath: cfg.State.Path, Offline: queue, Store: appStore}

	if cfg.Push.Enabled() {
		webpushOptions := &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		pool.Start(ctx)
		loop.Subscribe(pool)
		deps.WebPush = webpushOptions
	} else {
		log.Info().Msg("push notifications disabled: VAPID keys not configured")
	}

	if cfg.Summary.Enabled {
		poller := summary.New(client, cfg.Machine.ID, cfg.Summary.Interval, cfg.Dispenser.Location)
		go poller.Run(ctx)
		deps.Summaries = poller
	}

	if cfg.Server.Enabled {
		if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
			gin.SetMode(gin.ReleaseMode)
		}
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.NewRouter(api.NewHandler(deps), cfg.Server),
		}
		go func() {
			log.Info().Int("port", cfg.Server.Port).Msg("status API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("status API shutdown")
			}
		}()
	}

	err = loop.Run(ctx)
	log.Info().Msg("dispenser stopped")
	return err
}
