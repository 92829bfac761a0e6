package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"medication-dispenser/config"
	"medication-dispenser/internal/backend"
	"medication-dispenser/internal/db"
	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Inspect or replay the offline report queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued reports, oldest first, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE:  runOfflineList,
	}
	flush := &cobra.Command{
		Use:   "flush",
		Short: "Redeliver queued reports to the backend now",
		Args:  cobra.NoArgs,
		RunE:  runOfflineFlush,
	}

	cmd.AddCommand(list, flush)
	RootCmd.AddCommand(cmd)
}

// openReportStore opens the configured offline store. appStore is reused for
// the database driver when the caller already has one.
func openReportStore(cfg *config.Config, appStore store.Store) (offline.Store, error) {
	if cfg.Offline.Driver != "database" {
		return offline.NewFileStore(cfg.Offline.Path)
	}
	if appStore != nil {
		return appStore, nil
	}
	return openAppStore(cfg)
}

// openAppStore opens the database and registers its release with atexit.
func openAppStore(cfg *config.Config) (store.Store, error) {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		atexit.Register(func() { sqlDB.Close() })
	}
	return store.NewGormStore(gormDB), nil
}

func runOfflineList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openReportStore(cfg, nil)
	if err != nil {
		return err
	}

	pending, err := offline.NewQueue(s).Pending(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, rec := range pending {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d queued\n", len(pending))
	return nil
}

func runOfflineFlush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openReportStore(cfg, nil)
	if err != nil {
		return err
	}
	q := offline.NewQueue(s)

	sent, err := q.Flush(cmd.Context(), backend.New(cfg.Backend))
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "flush -> %s %v\n", failWord, err)
		return err
	}
	remaining, err := q.Pending(cmd.Context())
	if err != nil {
		return err
	}
	word := okWord
	if len(remaining) > 0 {
		word = failWord
	}
	fmt.Fprintf(cmd.OutOrStdout(), "flush -> %s sent %d, %d still queued\n", word, sent, len(remaining))
	return nil
}
