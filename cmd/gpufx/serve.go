package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/app"
	"github.com/fxnlabs/gpufx/internal/cache"
	"github.com/fxnlabs/gpufx/internal/config"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/metrics"
)

type status struct {
	Backend     string         `json:"backend"`
	BackendType string         `json:"backendType"`
	GPU         bool           `json:"gpu"`
	Device      gpu.DeviceInfo `json:"device"`
	Buffers     int            `json:"buffers"`
	Kernels     int            `json:"kernels"`
}

func newServeMux(reg *prometheus.Registry, gm *gpu.Manager, r *cache.Registry, m *metrics.Metrics, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Middleware(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "/metrics"))

	mux.Handle("/healthz", m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status{
			Backend:     r.Backend().Name(),
			BackendType: gm.GetBackendType(),
			GPU:         gm.IsGPUAvailable(),
			Device:      r.Backend().GetDeviceInfo(),
			Buffers:     r.Buffers.Len(),
			Kernels:     r.Kernels.Len(),
		})
	}), "/healthz"))

	mux.Handle("/reload", m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.HotReload(); err != nil {
			log.Error("Hot reload failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("Kernel cache cleared for reload")
		w.WriteHeader(http.StatusNoContent)
	}), "/reload"))

	return mux
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, gm *gpu.Manager, r *cache.Registry, m *metrics.Metrics, log *zap.Logger) {
	log = log.Named("serve")
	srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: newServeMux(reg, gm, r, m, log)}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("Starting server on", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose metrics, health and kernel hot reload over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Listen address, overrides metrics.listenAddress"},
		},
		Action: func(c *cli.Context) error {
			cfg := *configFrom(c)
			if c.IsSet("listen") {
				cfg.Metrics.ListenAddress = c.String("listen")
			}
			figure.NewFigure("gpufx", "", true).Print()

			fxApp := app.New(&cfg, fx.Invoke(registerServer))
			if err := fxApp.Err(); err != nil {
				return err
			}
			fxApp.Run()
			return nil
		},
	}
}
