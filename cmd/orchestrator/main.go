package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"

	"github.com/pai3-ceo/powernode-dim/internal/clientapi"
	"github.com/pai3-ceo/powernode-dim/internal/config"
	"github.com/pai3-ceo/powernode-dim/internal/coordinator"
	"github.com/pai3-ceo/powernode-dim/internal/gateway"
	"github.com/pai3-ceo/powernode-dim/internal/grpcserver"
	"github.com/pai3-ceo/powernode-dim/internal/ids"
	"github.com/pai3-ceo/powernode-dim/internal/jobmanager"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
	"github.com/pai3-ceo/powernode-dim/internal/nodeclient"
	"github.com/pai3-ceo/powernode-dim/internal/pattern"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
	"github.com/pai3-ceo/powernode-dim/internal/rpc"
	"github.com/pai3-ceo/powernode-dim/internal/selector"
	"github.com/pai3-ceo/powernode-dim/internal/simclock"
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

func main() {
	cfgPath := getenv("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	clock := simclock.New(cfg.Simulation.TimeScale)

	replicaID := getenv("REPLICA_ID", "orch-"+ids.NewNodeID())
	log := logx.New(replicaID, clock)
	log.Infof("config loaded from %s, time_scale=%.2f", cfgPath, cfg.Simulation.TimeScale)

	httpAddr := getenv("HTTP_ADDR", "0.0.0.0:8080")
	peerGRPCAddr := getenv("PEER_GRPC_ADDR", "0.0.0.0:9090")
	replicaCapacity := getenvInt("REPLICA_CAPACITY", cfg.Pattern.MaxConcurrentJobsPerReplica)

	gw := gateway.NewInMemory(clock, log)

	reg := registry.New(gw, log, clock, registry.Config{
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds * float64(time.Second)),
		StaleMultiplier:   cfg.Heartbeat.StaleMultiplier,
		EvictedMultiplier: cfg.Heartbeat.EvictedMultiplier,
		ReconcileInterval: time.Duration(cfg.Heartbeat.ReconcileIntervalS * float64(time.Second)),
		HeartbeatTopic:    cfg.Bus.NodesHeartbeatTopic,
	})

	sel := selector.New(reg, selector.DefaultWeights())

	coord := coordinator.New(gw, log, clock, coordinator.Config{
		SelfID:            replicaID,
		Capacity:          replicaCapacity,
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds * float64(time.Second)),
		HighWatermark:     cfg.Pattern.HandoffHighWatermark,
		PeerLowWatermark:  cfg.Pattern.HandoffPeerLowWatermark,
		OfferWindow:       time.Duration(cfg.Pattern.HandoffOfferWindowSeconds * float64(time.Second)),
		HeartbeatTopic:    cfg.Bus.OrchestratorHeartbeat,
		HandoffTopic:      cfg.Bus.OrchestratorHandoff,
	})

	pool := nodeclient.NewPool(reg, log, clock)

	mgr := jobmanager.New(gw, reg, sel, coord, log, clock, jobmanager.Config{
		MaxConcurrentJobs:    replicaCapacity,
		DefaultDPSensitivity: cfg.Pattern.DefaultDPSensitivity,
		PerNodeCostRate:      cfg.Pattern.PerNodeCostRate,
		JobsUpdatesTopic:     cfg.Bus.JobsUpdatesTopic,
		JobsCancelTopic:      cfg.Bus.JobsCancelTopic,
	}, func(nodeID string) pattern.Dispatcher {
		return pool.Dispatcher(nodeID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.Start(ctx)
	coord.Start(ctx)

	peerSrv := grpc.NewServer()
	rpc.RegisterPeerServiceServer(peerSrv, coord)
	peerLis, err := grpcserver.Start(peerGRPCAddr, peerSrv, log)
	if err != nil {
		log.Errorf("start peer gRPC server: %v", err)
		return
	}

	router := mux.NewRouter()
	clientapi.SetupRoutes(router, mgr, cfg.RateLimit.TokensPerUserPerMinute)
	httpSrv := &http.Server{Addr: httpAddr, Handler: router}

	go func() {
		log.Infof("client API listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http serve: %v", err)
		}
	}()

	if getenvBool("PREWARM_ON_BOOT") {
		log.Infof("prewarm_on_boot set but pre-warm is a node-daemon concern; no-op on the orchestrator replica")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcserver.Stop(peerSrv, peerLis, log)
	cancel()
}
