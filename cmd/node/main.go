package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/pai3-ceo/powernode-dim/internal/config"
	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/grpcserver"
	"github.com/pai3-ceo/powernode-dim/internal/heartbeat"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/modelcache"
	"github.com/pai3-ceo/powernode-dim/internal/nodedaemon"
	"github.com/pai3-ceo/powernode-dim/internal/resource"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
	"github.com/pai3-ceo/powernode-dim/internal/worker"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func getenvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func newBackend(cfg *config.Config) worker.Backend {
	switch cfg.Worker.Backend {
	case "podman":
		return worker.NewPodmanBackend(getenv("WORKER_IMAGE", "powernode-dim/infer-worker:latest"),
			getenv("PODMAN_SOCKET", "unix:///run/podman/podman.sock"))
	default:
		return worker.NewProcessBackend(getenv("WORKER_COMMAND", "/opt/dim/bin/infer-worker"))
	}
}

func main() {
	cfgPath := getenv("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	clock := simclock.New(cfg.Simulation.TimeScale)

	nodeID := getenv("NODE_ID", ids.NewNodeID())
	log := logx.New(nodeID, clock)
	log.Infof("config loaded from %s, time_scale=%.2f", cfgPath, cfg.Simulation.TimeScale)

	grpcAddr := getenv("GRPC_ADDR", "0.0.0.0:9001")
	endpoint := getenv("ADVERTISE_ADDR", grpcAddr)

	gw := gateway.NewInMemory(clock, log)

	acct := resource.New(resource.Budget{
		CPUFraction: cfg.Resources.CPUFraction,
		MemoryBytes: cfg.Resources.MemoryBytes,
		AccelSlots:  cfg.Resources.AcceleratorSlots,
		MaxWorkers:  cfg.Resources.MaxWorkers,
	})

	cache := modelcache.New(gw, log, cfg.Cache.BudgetBytes)
	sup := worker.New(newBackend(cfg), log)

	defaultReq := resource.Request{
		CPUFraction: cfg.Resources.CPUFraction / float64(maxInt(cfg.Resources.MaxWorkers, 1)),
		MemoryBytes: cfg.Resources.MemoryBytes / int64(maxInt(cfg.Resources.MaxWorkers, 1)),
	}

	daemon := nodedaemon.New(nodeID, gw, acct, cache, sup, log, clock, cfg.Bus.ResultsReadyTopic, defaultReq)

	capabilities := map[string]bool{
		"gpu": cfg.Resources.AcceleratorSlots > 0,
	}
	hb := heartbeat.New(gw, acct, log, clock, heartbeat.Config{
		NodeID:       nodeID,
		Endpoint:     endpoint,
		Capabilities: capabilities,
		Interval:     time.Duration(cfg.Heartbeat.IntervalSeconds * float64(time.Second)),
		Topic:        cfg.Bus.NodesHeartbeatTopic,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go daemon.Run(ctx)
	hb.Start(ctx)

	if cfg.Cache.PrewarmOn {
		log.Infof("prewarm_enabled set; no access log to replay on cold start, so no models are pre-warmed")
	}

	srv := grpc.NewServer()
	rpc.RegisterNodeServiceServer(srv, daemon)
	lis, err := grpcserver.Start(grpcAddr, srv, log)
	if err != nil {
		log.Errorf("start node gRPC server: %v", err)
		return
	}

	bootDelay := getenvInt("BOOT_DELAY_SECONDS", 0)
	if bootDelay > 0 {
		log.Infof("waiting %ds before announcing readiness", bootDelay)
		clock.Sleep(time.Duration(bootDelay) * time.Second)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	hb.Stop()
	grpcserver.Stop(srv, lis, log)
	cancel()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
