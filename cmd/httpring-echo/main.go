package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpring "github.com/behrlich/go-httpring"
	"github.com/behrlich/go-httpring/internal/logging"
	"github.com/behrlich/go-httpring/internal/transaction"
)

func main() {
	var (
		addr    = flag.String("addr", "tcp://127.0.0.1:8080", "listen address (tcp://host:port or unix:///path)")
		workers = flag.Int("workers", 0, "worker pool size (0 = GOMAXPROCS)")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := httpring.DefaultParams(httpring.HandlerFunc(echo))
	params.Addrs = []string{*addr}
	params.Workers = *workers
	params.Logger = logger

	srv, err := httpring.CreateAndServe(params)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	for _, a := range srv.Addrs {
		logger.Info("listening", "addr", a)
	}
	fmt.Printf("httpring-echo listening on %s\n", strings.Join(srv.Addrs, ", "))
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	stopped := make(chan struct{})
	go func() {
		if err := srv.Stop(); err != nil {
			logger.Error("error stopping server", "error", err)
		}
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("server stopped cleanly")
	case <-time.After(5 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}
}

// echo replies with the request line and headers it received.
func echo(txn *transaction.Transaction) {
	req := txn.Request
	body := fmt.Sprintf("%s %s HTTP/%d.%d\n", req.Method, req.Path, req.Major, req.Minor)
	for _, h := range req.Headers {
		body += fmt.Sprintf("%s: %s\n", h.Key, h.Value)
	}

	w, err := txn.WriteBodyStart(len(body), "text/plain; charset=utf-8")
	if err != nil {
		return
	}
	_, _ = w.Write([]byte(body))
	_ = w.Close()
}
