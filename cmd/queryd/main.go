package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querydproject/queryd/pkg/dispatcher"
	"github.com/querydproject/queryd/pkg/kv"
	"github.com/querydproject/queryd/pkg/queue"
	"github.com/querydproject/queryd/pkg/refresh"
	"github.com/querydproject/queryd/pkg/store"
	util_log "github.com/querydproject/queryd/pkg/util/log"
	"github.com/querydproject/queryd/pkg/worker"
)

type Config struct {
	ServerMetricsPort int
	LogLevel          string

	Redis      kv.Config
	Queue      queue.Config
	Dispatcher dispatcher.Config
	Store      store.Config
	Worker     worker.Config
	Refresh    refresh.Config
}

func main() {
	// Parse CLI flags.
	cfg := Config{}
	flag.IntVar(&cfg.ServerMetricsPort, "server.metrics-port", 9900, "The port where metrics are exposed.")
	flag.StringVar(&cfg.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error].")
	cfg.Redis.RegisterFlagsWithPrefix("", "", flag.CommandLine)
	cfg.Queue.RegisterFlags(flag.CommandLine)
	cfg.Dispatcher.RegisterFlags(flag.CommandLine)
	cfg.Store.RegisterFlags(flag.CommandLine)
	cfg.Worker.RegisterFlags(flag.CommandLine)
	cfg.Refresh.RegisterFlags(flag.CommandLine)
	flag.Parse()

	util_log.CheckFatal("initializing logger", util_log.InitLogger(cfg.LogLevel))

	// Expose the instrumentation endpoint.
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.ServerMetricsPort), nil)
		level.Error(util_log.Logger).Log("msg", "metrics server terminated", "err", err)
		os.Exit(1)
	}()

	// The lock table, the job queue and the status board share one
	// Redis connection pool.
	rdb := kv.NewRedisClient(&cfg.Redis)
	locks := kv.NewClient(&cfg.Redis, rdb)
	util_log.CheckFatal("connecting to redis", locks.Ping(context.Background()))
	defer locks.Close()

	broker := queue.NewBroker(cfg.Queue, rdb, util_log.Logger)

	s, err := store.New(cfg.Store)
	util_log.CheckFatal("initializing store", err)
	defer s.Close()

	d := dispatcher.New(cfg.Dispatcher, locks, broker, s, util_log.Logger)

	pool := worker.NewPool(cfg.Worker, broker, s, locks, util_log.Logger)
	go pool.Run()

	scheduler := refresh.NewScheduler(cfg.Refresh, s, d, refresh.NewKVSink(locks), util_log.Logger)
	go scheduler.Run()

	level.Info(util_log.Logger).Log("msg", "queryd up and running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	level.Info(util_log.Logger).Log("msg", "shutting down")
	scheduler.Stop()
	pool.Stop()
}
