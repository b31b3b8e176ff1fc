package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"ads-gateway/buffer"
	"ads-gateway/cache"
	"ads-gateway/config"
	dataforwarding "ads-gateway/data-forwarding"
	"ads-gateway/events"
	"ads-gateway/fanout"
	"ads-gateway/logic"
	"ads-gateway/monitor"
	mqttbroker "ads-gateway/mqtt_broker"
	"ads-gateway/queue"
	"ads-gateway/webui"
)

func main() {
	cfg := config.Load()

	store, err := dataforwarding.OpenStore(cfg.DataDir)
	if err != nil {
		logrus.Fatalf("MAIN: opening store: %v", err)
	}
	defer store.Close()

	bus := events.NewBus(cfg.DebugEvents)

	cacheClient := cache.New(cache.Config{
		Host:    cfg.CacheHost,
		Port:    cfg.CachePort,
		Timeout: cfg.CacheTimeout,
	}, bus)
	defer cacheClient.Close()

	buffers := buffer.NewVariableBuffer(cfg.BufferSize)

	queues := queue.New(cacheClient.Client(), bus, queue.Options{})
	perf := monitor.New(bus)
	defer perf.Stop()

	broker, err := mqttbroker.Start(cfg.MQTTHost, cfg.MQTTPort)
	if err != nil {
		logrus.Fatalf("MAIN: starting broker: %v", err)
	}
	defer broker.Close()

	manager := logic.NewManager(bus, cacheClient, store, queues, buffers, cfg)
	manager.SetForwarder(dataforwarding.NewForwarder(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queues.Recover(ctx)
	queues.Start(ctx, 8)

	if err := manager.Start(); err != nil {
		logrus.Fatalf("MAIN: starting connection manager: %v", err)
	}

	gw := &logic.Gateway{
		Manager: manager,
		Bus:     bus,
		Cache:   cacheClient,
		Store:   store,
		Queue:   queues,
		Buffers: buffers,
		Monitor: perf,
		Broker:  broker,
		Cfg:     cfg,
	}

	hub := fanout.NewHub(bus, broker, gw)

	// sibling processes sharing the cache backend drive invalidations here
	cacheClient.Subscribe(ctx, cache.InvalidationChannel, func(pattern []byte) {
		cacheClient.InvalidatePattern(ctx, string(pattern))
	})

	sampler := monitor.NewSystemSampler(store, bus, broker, cfg.MetricsInterval)
	sampler.Extra = map[string]func() float64{
		"ads_errors":   func() float64 { return float64(manager.AdsErrorCount()) },
		"api_requests": func() float64 { return float64(gw.APIRequestCount()) },
	}
	go sampler.Run(ctx)

	go func() {
		if err := webui.Run(gw, hub, cfg.APIHost, cfg.APIPort); err != nil {
			logrus.Fatalf("MAIN: API server: %v", err)
		}
	}()

	logrus.Info("MAIN: gateway up")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logrus.Info("MAIN: shutting down")
	manager.Shutdown()              // cancels sessions, pollers, watchers
	queues.Drain(cfg.ShutdownGrace) // writes finish, lower priorities abort
	cancel()
}
