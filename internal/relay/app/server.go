// Package app wires the relay runtime: sqlite storage, the in-process
// message bus, topology registry, read aggregator, settlement engine and
// the gRPC health lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vaultmesh/vaultmesh/internal/mesh/aggregate"
	"github.com/vaultmesh/vaultmesh/internal/mesh/domain"
	"github.com/vaultmesh/vaultmesh/internal/mesh/escrow"
	"github.com/vaultmesh/vaultmesh/internal/mesh/grant"
	"github.com/vaultmesh/vaultmesh/internal/mesh/settlement"
	"github.com/vaultmesh/vaultmesh/internal/mesh/topology"
	"github.com/vaultmesh/vaultmesh/internal/platform/config"
	"github.com/vaultmesh/vaultmesh/internal/storage/sqlite"
	"github.com/vaultmesh/vaultmesh/internal/transport/memory"
)

type serverEnv struct {
	DBPath               string `env:"VAULTMESH_DB_PATH"`
	Domain               string `env:"VAULTMESH_DOMAIN"`
	DefaultManager       string `env:"VAULTMESH_DEFAULT_MANAGER"`
	RecoveryIdentity     string `env:"VAULTMESH_RECOVERY_IDENTITY"`
	MinRegistrationDelay string `env:"VAULTMESH_MIN_REGISTRATION_DELAY"`
	MessageFee           string `env:"VAULTMESH_MESSAGE_FEE"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "vaultmesh.db")
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		cfg.Domain = "local"
	}
	if strings.TrimSpace(cfg.DefaultManager) == "" {
		cfg.DefaultManager = "relay-accounting"
	}
	if strings.TrimSpace(cfg.RecoveryIdentity) == "" {
		cfg.RecoveryIdentity = "relay-recovery"
	}
	if strings.TrimSpace(cfg.MinRegistrationDelay) == "" {
		cfg.MinRegistrationDelay = "1h"
	}
	if strings.TrimSpace(cfg.MessageFee) == "" {
		cfg.MessageFee = "0"
	}
	return cfg
}

// Server hosts the relay runtime and its gRPC health lifecycle.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *sqlite.Store
	bus        *memory.Bus

	Registry   *topology.Registry
	Aggregator *aggregate.Aggregator
	Engine     *settlement.Engine
}

// New creates a configured relay server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured relay server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srvEnv := loadServerEnv()

	store, err := openStore(srvEnv.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	local := domain.Domain(srvEnv.Domain)
	fee, err := decimal.NewFromString(srvEnv.MessageFee)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("parse VAULTMESH_MESSAGE_FEE: %w", err)
	}
	minDelay, err := time.ParseDuration(srvEnv.MinRegistrationDelay)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("parse VAULTMESH_MIN_REGISTRATION_DELAY: %w", err)
	}

	// Grant verification is optional at boot: without it the relay still
	// serves health and inbound topology, but RegisterSpoke always fails.
	grants, err := grant.LoadConfigFromEnv(time.Now)
	if err != nil {
		log.Printf("owner grant verification disabled: %v", err)
		grants = grant.Config{}
	}

	bus := memory.NewBus(memory.WithDefaultFee(fee))

	registry, err := topology.NewRegistry(topology.Config{
		Store:                store,
		Transport:            bus,
		Grants:               grants,
		MinRegistrationDelay: minDelay,
		LocalDomain:          local,
		NewGUID:              uuid.NewString,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build topology registry: %w", err)
	}

	ledger := escrow.NewLedger(store)
	reads := &readDispatcher{}
	engine, err := settlement.NewEngine(settlement.Config{
		Store:          store,
		Escrow:         ledger,
		Convert:        loopbackConverter{},
		Executor:       loopbackExecutor{},
		Native:         newLoopbackTransferrer(),
		Reads:          reads,
		DefaultManager: domain.Identity(srvEnv.DefaultManager),
		Recovery:       domain.Identity(srvEnv.RecoveryIdentity),
		NewGUID:        uuid.NewString,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build settlement engine: %w", err)
	}

	aggregator, err := aggregate.NewAggregator(aggregate.Config{
		Store:       store,
		Transport:   bus,
		Sink:        engine,
		Manager:     domain.Identity(srvEnv.DefaultManager),
		LocalDomain: local,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build read aggregator: %w", err)
	}
	reads.agg = aggregator

	bus.Subscribe(local, &consumer{
		registry:   registry,
		aggregator: aggregator,
		bus:        bus,
		values:     loopbackValueReader{},
		local:      local,
	})

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		bus:        bus,
		Registry:   registry,
		Aggregator: aggregator,
		Engine:     engine,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a relay server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("relay listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases relay resources. Queued bus deliveries are drained before
// the store closes so no consumer writes race the shutdown.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.bus != nil {
		s.bus.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close relay store: %v", err)
		}
	}
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open relay sqlite store: %w", err)
	}
	return store, nil
}
