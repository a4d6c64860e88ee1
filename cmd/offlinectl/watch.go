package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	offline "github.com/SixteenAngels/real-estate-sub000"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchMetricsAddr string
	watchHeartbeat   time.Duration
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().DurationVar(&watchHeartbeat, "heartbeat", 25*time.Second, "Websocket heartbeat interval")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Track connectivity and sync the queue when the backend is reachable",
	Long:  "Hold a websocket link to the backend. Every time the link comes up the action queue is drained and expired cache entries are swept. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		wsURL := wsEndpoint(cfg)
		if wsURL == "" {
			return fmt.Errorf("no websocket URL; set default.ws_url or default.base_url")
		}

		log, err := newLogger()
		if err != nil {
			return err
		}
		conn := offline.NewWSConnectivity(offline.WSConfig{
			URL:               wsURL,
			Token:             cfg.Default.APIKey,
			HeartbeatInterval: watchHeartbeat,
			Logger:            log,
		})

		a, err := newApp(ctx, conn)
		if err != nil {
			return err
		}
		defer a.Close()

		a.d.On(offline.EventOnline, func(offline.Event, any) {
			fmt.Println("online")
		})
		a.d.On(offline.EventOffline, func(offline.Event, any) {
			fmt.Println("offline")
		})
		a.d.On(offline.EventSyncComplete, func(_ offline.Event, p any) {
			s := p.(offline.SyncSummary)
			fmt.Printf("synced: %d sent, %d failed, %d dropped, %d cache entries expired\n",
				s.Drain.Succeeded, s.Drain.Failed, s.Drain.Dropped, s.CacheExpired)
		})
		a.d.On(offline.EventActionDropped, func(_ offline.Event, p any) {
			q := p.(*offline.QueuedAction)
			fmt.Printf("gave up on %s %s after %d attempts: %s\n", q.Method, q.URL, q.RetryCount, q.LastError)
		})

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           metricsHandler(a),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("metrics on %s/metrics\n", watchMetricsAddr)
		}

		a.d.Start(ctx)
		conn.Start(ctx)
		defer conn.Stop()

		fmt.Printf("watching %s (Ctrl-C to stop)\n", wsURL)
		<-ctx.Done()
		return nil
	},
}

// wsEndpoint returns the configured websocket URL, or <base_url>/ws.
func wsEndpoint(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	if cfg.Default.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.Default.BaseURL, "/") + "/ws"
}

func metricsHandler(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !a.d.Online() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "offline")
			return
		}
		fmt.Fprintln(w, "online")
	})
	return mux
}
