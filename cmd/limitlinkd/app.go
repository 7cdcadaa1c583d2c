package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/limitlink/config"
	"github.com/toolink/limitlink/extension"
	"github.com/toolink/limitlink/grpclimit"
	"github.com/toolink/limitlink/limiter"
	"github.com/toolink/limitlink/routes"
	"github.com/toolink/limitlink/wslimit"
)

// app holds the daemon's components. Each one is loaded by an extension.
type app struct {
	cfg      *config.Config
	client   redis.UniversalClient
	store    limiter.Store
	rt       *limiter.Runtime
	rules    map[string]*limiter.Rule
	registry *prometheus.Registry

	httpSrv *http.Server
	grpcSrv *grpc.Server
	errCh   chan error
}

func newApp(cfg *config.Config) *app {
	return &app{
		cfg:   cfg,
		errCh: make(chan error, 2),
	}
}

// storeExtension connects the window store.
func (a *app) storeExtension() extension.Extension {
	return &extension.Func{
		ID: "store",
		OnLoad: func(ctx context.Context) error {
			if a.cfg.Store == config.StoreMemory {
				a.store = limiter.NewMemoryStore()
				log.Warn().Msg("using in-memory store, limits are not shared between processes")
				return nil
			}
			a.client = redis.NewClient(&redis.Options{
				Addr:        a.cfg.Redis.Addr,
				Username:    a.cfg.Redis.Username,
				Password:    a.cfg.Redis.Password,
				DB:          a.cfg.Redis.DB,
				DialTimeout: a.cfg.Redis.DialTimeout,
			})
			if err := a.client.Ping(ctx).Err(); err != nil {
				_ = a.client.Close()
				return fmt.Errorf("ping redis %s: %w", a.cfg.Redis.Addr, err)
			}
			a.store = limiter.NewRedisStore(a.client)
			log.Info().Str("addr", a.cfg.Redis.Addr).Int("db", a.cfg.Redis.DB).Msg("redis connected")
			return nil
		},
		OnShutdown: func(context.Context) error {
			if a.client == nil {
				return nil
			}
			return a.client.Close()
		},
	}
}

// runtimeExtension loads the scripts and builds the rules.
func (a *app) runtimeExtension() extension.Extension {
	return &extension.Func{
		ID: "runtime",
		OnLoad: func(ctx context.Context) error {
			opts := []limiter.Option{limiter.WithPrefix(a.cfg.Prefix)}
			if a.cfg.Metrics.Enabled {
				a.registry = prometheus.NewRegistry()
				a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				rec, err := limiter.NewPrometheusRecorder(a.registry, a.cfg.Metrics.Namespace)
				if err != nil {
					return err
				}
				opts = append(opts, limiter.WithRecorder(rec))
			}

			rt, err := limiter.NewRuntime(ctx, a.store, opts...)
			if err != nil {
				return err
			}
			rules, err := a.cfg.BuildRules()
			if err != nil {
				return err
			}
			a.rt, a.rules = rt, rules
			return nil
		},
	}
}

// httpExtension serves the configured routes, the websocket endpoint and metrics.
func (a *app) httpExtension() extension.Extension {
	return &extension.Func{
		ID: "http",
		OnLoad: func(context.Context) error {
			lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("listen http %s: %w", a.cfg.HTTP.Addr, err)
			}
			a.httpSrv = &http.Server{Handler: a.router()}
			go func() {
				log.Info().Str("addr", lis.Addr().String()).Msg("http server listening")
				if err := a.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.errCh <- fmt.Errorf("http server: %w", err)
				}
			}()
			return nil
		},
		OnShutdown: func(ctx context.Context) error {
			if a.httpSrv == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return a.httpSrv.Shutdown(ctx)
		},
	}
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if a.registry != nil {
		r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	table := routes.New(a.rt, r, routes.WithFailOpen(a.cfg.FailOpen))
	for _, rc := range a.cfg.Routes {
		guards := a.lookup(rc.Rules...)
		if rc.Method == "" {
			table.Handle(rc.Path, http.HandlerFunc(echoHandler), guards...)
			continue
		}
		table.Method(rc.Method, rc.Path, http.HandlerFunc(echoHandler), guards...)
	}

	if ws := a.cfg.WebSocket; ws.Path != "" {
		srv := wslimit.NewServer(a.rt, a.rules[ws.Rule], echoMessage,
			wslimit.WithCloseOnLimit(ws.CloseOnLimit),
			wslimit.WithUpgrader(websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}),
		)
		table.Get(ws.Path, srv.ServeHTTP)
	}
	return r
}

func (a *app) lookup(names ...string) []*limiter.Rule {
	out := make([]*limiter.Rule, 0, len(names))
	for _, name := range names {
		out = append(out, a.rules[name])
	}
	return out
}

// grpcExtension serves the gRPC health service behind the rate limit interceptors.
func (a *app) grpcExtension() extension.Extension {
	return &extension.Func{
		ID: "grpc",
		OnLoad: func(context.Context) error {
			if a.cfg.GRPC.Addr == "" {
				log.Info().Msg("grpc listener disabled")
				return nil
			}
			lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("listen grpc %s: %w", a.cfg.GRPC.Addr, err)
			}

			table := grpclimit.NewTable(a.rt)
			for method, names := range a.cfg.GRPC.Methods {
				table.Limit(method, a.lookup(names...)...)
			}
			for method, name := range a.cfg.GRPC.Streams {
				table.LimitStream(method, a.rules[name])
			}
			ic := grpclimit.New(table, grpclimit.WithFailOpen(a.cfg.FailOpen))

			a.grpcSrv = grpc.NewServer(
				grpc.ChainUnaryInterceptor(ic.Unary()),
				grpc.ChainStreamInterceptor(ic.Stream()),
			)
			healthpb.RegisterHealthServer(a.grpcSrv, health.NewServer())

			go func() {
				log.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
				if err := a.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					a.errCh <- fmt.Errorf("grpc server: %w", err)
				}
			}()
			return nil
		},
		OnShutdown: func(context.Context) error {
			if a.grpcSrv != nil {
				a.grpcSrv.GracefulStop()
			}
			return nil
		},
	}
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	decisions := routes.Decisions(r.Context())
	if len(decisions) > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decisions[0].Quota, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"method":    r.Method,
		"path":      r.URL.Path,
		"decisions": len(decisions),
	})
}

func echoMessage(_ context.Context, conn *wslimit.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}
