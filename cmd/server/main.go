package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/api"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/config"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/engine"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/screenshot"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/session"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	if err := os.MkdirAll(cfg.ScreenshotDir, 0o755); err != nil {
		log.Fatalf("create screenshot dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	shots := &screenshot.Store{Dir: cfg.ScreenshotDir, URLPrefix: cfg.ScreenshotURLPrefix}

	eng := buildEngine(cfg)
	registry := session.NewRegistry(store, eng, shots)

	apiServer := &api.Server{
		Registry:            registry,
		Store:               store,
		Password:            cfg.AppPassword,
		ScreenshotDir:       cfg.ScreenshotDir,
		ScreenshotURLPrefix: cfg.ScreenshotURLPrefix,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("server listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func buildEngine(cfg config.Config) engine.Engine {
	switch cfg.AgentMode {
	case "mock":
		return &engine.MockEngine{Delay: 200 * time.Millisecond, ToolCall: true}
	default:
		log.Fatalf("unsupported AGENT_MODE %q", cfg.AgentMode)
		return nil
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
