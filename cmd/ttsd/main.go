package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salloc/302-tts/internal/server"
	"github.com/salloc/302-tts/pkg/history/sqlstore"
	"github.com/salloc/302-tts/pkg/otel"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var addr string
	var databaseURL string
	var traceStdout bool

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", getEnv("TTSD_ADDR", ":8080"), "http listen address")
	flag.StringVar(&databaseURL, "db", getEnv("DATABASE_URL",
		"sqlite:file:sessions.sqlite?cache=shared&_pragma=busy_timeout(5000)"), "database DSN")
	flag.BoolVar(&traceStdout, "trace-stdout", false, "export traces to stdout")
	flag.Parse()

	if showVersion {
		fmt.Printf("ttsd %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if level, err := zerolog.ParseLevel(strings.ToLower(getEnv("TTSD_LOG_LEVEL", "info"))); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "ttsd",
		ServiceVersion: version,
		UseStdout:      traceStdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := sqlstore.Open(ctx, databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate session store")
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: server.New(st, log.Logger).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Str("version", version).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
