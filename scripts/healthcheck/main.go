package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"strategy-core/internal/persistence"
	"strategy-core/pkg/config"
	market "strategy-core/pkg/market/binance"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

const (
	healthy   = "HEALTHY"
	degraded  = "DEGRADED"
	unhealthy = "UNHEALTHY"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: healthy}

	cfg, err := config.Load()
	cfgStatus := status("Configuration")
	if err != nil {
		cfgStatus.Status = unhealthy
		cfgStatus.Message = err.Error()
		report.Services = append(report.Services, cfgStatus)
		finish(report)
		return
	}
	cfgStatus.Message = fmt.Sprintf("port=%s store=%s strategies=%d node=%s", cfg.Port, cfg.Store.Backend, len(cfg.Strategies), cfg.NodeID)
	report.Services = append(report.Services,
		cfgStatus,
		checkStore(ctx, cfg),
		checkMarketData(ctx, cfg),
		checkAPIServer(ctx, cfg),
	)
	if cfg.GRPCAddr != "" {
		report.Services = append(report.Services, checkGRPC(ctx, cfg))
	}
	finish(report)
}

func status(name string) HealthStatus {
	return HealthStatus{Service: name, Status: healthy, Timestamp: time.Now()}
}

func finish(report HealthReport) {
	for _, svc := range report.Services {
		if svc.Status == unhealthy {
			report.Overall = unhealthy
			break
		} else if svc.Status == degraded {
			report.Overall = degraded
		}
	}

	for _, svc := range report.Services {
		icon := "ok "
		switch svc.Status {
		case unhealthy:
			icon = "ERR"
		case degraded:
			icon = "WRN"
		}
		fmt.Printf("[%s] %-16s %-9s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	}
	if report.Overall == unhealthy {
		os.Exit(1)
	}
}

// checkStore opens the configured backend the same way the engine does.
func checkStore(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("Store")
	store, err := persistence.Open(ctx, cfg.Store, nil)
	if err != nil {
		st.Status = unhealthy
		st.Message = err.Error()
		return st
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		st.Status = unhealthy
		st.Message = fmt.Sprintf("ping: %v", err)
		return st
	}
	st.Message = cfg.Store.Backend
	return st
}

func checkMarketData(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("Binance market")
	client := market.NewClient(cfg.BinanceTestnet, "")
	serverTime, err := client.ServerTime(ctx)
	if err != nil {
		st.Status = degraded
		st.Message = err.Error()
		return st
	}
	skew := time.Since(time.UnixMilli(serverTime)).Round(time.Millisecond)
	st.Message = fmt.Sprintf("reachable, clock skew %s", skew)
	return st
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("API server")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", cfg.Port), nil)
	if err != nil {
		st.Status = unhealthy
		st.Message = err.Error()
		return st
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		st.Status = unhealthy
		st.Message = fmt.Sprintf("not reachable: %v", err)
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.Status = degraded
		st.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return st
	}
	st.Message = "running"
	return st
}

func checkGRPC(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("gRPC health")
	addr := cfg.GRPCAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		st.Status = unhealthy
		st.Message = err.Error()
		return st
	}
	defer conn.Close()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(cctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		st.Status = unhealthy
		st.Message = err.Error()
		return st
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		st.Status = degraded
	}
	st.Message = resp.GetStatus().String()
	return st
}
