package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mevdschee/fcgiresponder/internal/config"
	"github.com/mevdschee/fcgiresponder/internal/watcher"
	"github.com/mevdschee/fcgiresponder/pkg/fastcgi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to config file")
	quiet := flag.Bool("quiet", false, "Suppress log output to stdout/stderr")
	flag.Parse()

	if *quiet {
		log.SetOutput(io.Discard)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	configFile := filepath.Join(projectRoot, *configPath)
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if !*quiet && cfg.Log.File != "" {
		setupLogFile(projectRoot, cfg.Log.File)
	}

	log.Printf("fcgiserver starting...")
	log.Printf("Project root: %s", projectRoot)
	log.Printf("Config file: %s", configFile)
	log.Printf("Listen: %s %s", cfg.Listen.Network, cfg.Listen.Address)

	metrics := fastcgi.DefaultMetrics()
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("Metrics listening on http://%s/metrics", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	} else {
		metrics = nil
	}

	handler := fastcgi.HandlerFunc(defaultHandler)

	srv := fastcgi.NewServer(handler)
	srv.Metrics = metrics
	srv.ReadTimeout = cfg.ReadTimeout()
	srv.WriteTimeout = cfg.WriteTimeout()
	srv.MaxConns = cfg.MaxConns
	srv.Logger = log.Default()
	srv.SetDefaultHeaders(cfg.DefaultHeaders)

	if cfg.WatchConfig {
		w, err := watcher.New(configFile, 200*time.Millisecond, func() {
			if err := cfg.Reload(configFile); err != nil {
				log.Printf("config reload failed: %v", err)
				return
			}
			srv.MaxConns = cfg.MaxConns
			srv.SetDefaultHeaders(cfg.DefaultHeaders)
			log.Printf("config reloaded from %s", configFile)
		})
		if err != nil {
			log.Fatalf("Failed to start config watcher: %v", err)
		}
		if err := w.Start(); err != nil {
			log.Fatalf("Failed to start config watcher: %v", err)
		}
		defer w.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		switch cfg.Listen.Network {
		case "unix":
			errCh <- srv.ListenAndServeUnix(cfg.Listen.Address)
		default:
			errCh <- srv.ListenAndServe(cfg.Listen.Address)
		}
	}()

	log.Printf("fcgiserver ready on %s:%s", cfg.Listen.Network, cfg.Listen.Address)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server stopped: %v", err)
		}
	case <-sigChan:
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}

	log.Println("Goodbye!")
}

func setupLogFile(projectRoot, logFile string) {
	dateStr := time.Now().Format("2006-01-02")
	logFilePath := filepath.Join(projectRoot, filepath.FromSlash(logFile))
	logFilePath = filepath.Clean(strings.ReplaceAll(logFilePath, "{date}", dateStr))

	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Server logging to: %s", logFilePath)
}

// defaultHandler answers every request with a plain-text summary of its
// params, useful as a smoke test for a web server's FastCGI wiring before
// pointing it at a real application handler.
func defaultHandler(ctx context.Context, req *fastcgi.Request) error {
	hw := req.Response()
	hw.SetHeader("Content-Type", "text/plain; charset=utf-8")
	w, err := hw.SendHeaders()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "fcgiresponder: role=%s\n", req.Role)
	req.Params.Range(func(name, value string) bool {
		fmt.Fprintf(w, "%s=%s\n", name, value)
		return true
	})
	return w.Finish()
}
