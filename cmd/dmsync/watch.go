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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lumen-lms/dmsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (e.g. :9090)")
}

// newMetricsRouter exposes Prometheus metrics and a health check backed by
// the realtime connection state.
func newMetricsRouter(connected func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"disconnected"}`)
			return
		}
		fmt.Fprint(w, `{"status":"connected"}`)
	})
	return r
}

// formatEvent renders one engine event as a single line.
func formatEvent(ev dmsync.EngineEvent) string {
	switch ev.Kind {
	case dmsync.KindMessage:
		return fmt.Sprintf("[%s] %s: %s", ev.ChatID, ev.PeerID, ev.Message.MessageText)
	case dmsync.KindTyping:
		if ev.Typing {
			return fmt.Sprintf("[%s] typing...", ev.ChatID)
		}
		return fmt.Sprintf("[%s] stopped typing", ev.ChatID)
	case dmsync.KindReceipt:
		return fmt.Sprintf("message %s %s", ev.Message.ID, ev.Reason)
	case dmsync.KindPresence:
		state := "offline"
		if ev.Online {
			state = "online"
		}
		return fmt.Sprintf("%s is %s", ev.PeerID, state)
	case dmsync.KindDropped:
		return fmt.Sprintf("dropped message from %s (%s)", valueOrDefault(ev.PeerID, "unknown"), ev.Reason)
	}
	return string(ev.Kind)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages, receipts and presence",
	Long:  "Connect to the realtime channel and print every incoming event until interrupted.\nReconnects automatically when the connection drops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, &sessionOptions{
			autoReconnect: true,
			notify: func(ev dmsync.EngineEvent) {
				if ev.Kind == dmsync.KindDropped && !flagJSON {
					return
				}
				if flagJSON {
					printJSON(ev)
					return
				}
				fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), formatEvent(ev))
			},
		})
		if err != nil {
			return err
		}
		defer s.Close()

		var server *http.Server
		if watchMetricsAddr != "" {
			server = &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           newMetricsRouter(s.rt.IsConnected),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				s.log.Info("metrics listening", zap.String("addr", watchMetricsAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server error", zap.Error(err))
				}
			}()
		}

		if err := s.engine.EnsureConnected(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Watching for messages. Press Ctrl+C to stop.")
		<-ctx.Done()

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("metrics server forced to shutdown", zap.Error(err))
			}
		}
		return nil
	},
}
