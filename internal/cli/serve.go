package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gzhole/turnshield/internal/config"
	"github.com/gzhole/turnshield/internal/gate"
	"github.com/gzhole/turnshield/internal/server"
	"github.com/gzhole/turnshield/internal/session"
	"github.com/gzhole/turnshield/internal/store"
)

var (
	serveAddr    string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gate over HTTP",
	Long: `Start the HTTP gate used by the assistant's skill router.

Endpoints:
  POST /v1/evaluate              {"session_id": "...", "text": "..."}
  POST /v1/sessions/{id}/reset   clear a session's threat level
  GET  /v1/sessions/{id}         session snapshot
  GET  /healthz                  scorer status

The config file and packs directory are watched; a valid change rebuilds the
gate without dropping live sessions. Decisions are recorded to the SQLite
decision store and the JSONL audit log.

  turnshield serve --addr 127.0.0.1:8787`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config on change")
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	al, err := openAuditLog(cfg)
	if err != nil {
		return err
	}
	defer al.Close()

	db, err := store.Open(cfg.Audit.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := store.NewRecorder(db, cfg.Audit.FlushInterval.Std(), cfg.Audit.BatchSize, log.Named("recorder"))
	defer rec.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := gate.Deps{
		Sessions: session.NewStore(cfg.Decay, cfg.Session.HistoryLimit),
		Sinks:    []gate.AuditSink{al, rec},
		Logger:   log,
	}
	ctrl, err := gate.Build(ctx, cfg, deps)
	if err != nil {
		return err
	}
	srv := server.New(cfg.Server, ctrl, log.Named("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pruneSessions(gctx, deps.Sessions, cfg.Session)
		return nil
	})

	if !serveNoWatch {
		watchPath := cfg.Path
		if watchPath == "" {
			watchPath = configPath
		}
		w, err := config.NewWatcher(watchPath, cfg, func(next *config.Config) {
			if logPath != "" {
				next.Audit.LogPath = logPath
			}
			if serveAddr != "" {
				next.Server.Addr = serveAddr
			}
			c, err := gate.Build(gctx, next, deps)
			if err != nil {
				log.Warn("rebuild after config change failed, keeping previous gate", zap.Error(err))
				return
			}
			srv.Swap(c)
		}, log.Named("config"))
		if err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}

	fmt.Fprintf(os.Stderr, "TurnShield listening on http://%s (%s mode)\n", cfg.Server.Addr, ctrl.Status().Mode)
	return g.Wait()
}

// pruneSessions drops idle sessions until ctx is done.
func pruneSessions(ctx context.Context, sessions *session.Store, cfg config.SessionConfig) {
	interval := cfg.PruneInterval.Std()
	if interval <= 0 || cfg.IdleTTL.Std() <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Prune(cfg.IdleTTL.Std()); n > 0 {
				log.Debug("idle sessions pruned", zap.Int("count", n))
			}
		}
	}
}
