// Package server orchestrates all components: COMMS client, DB, broker, adapter engine,
// router, dispatcher, HTTP health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/peer-broker/internal/config"
	"github.com/morezero/peer-broker/pkg/bootstrap"
	"github.com/morezero/peer-broker/pkg/broker"
	"github.com/morezero/peer-broker/pkg/commsutil"
	"github.com/morezero/peer-broker/pkg/communication"
	"github.com/morezero/peer-broker/pkg/db"
	"github.com/morezero/peer-broker/pkg/delivery"
	"github.com/morezero/peer-broker/pkg/dispatcher"
	"github.com/morezero/peer-broker/pkg/events"
	"github.com/morezero/peer-broker/pkg/execution"
	"github.com/morezero/peer-broker/pkg/manager"
	"github.com/morezero/peer-broker/pkg/metrics"
	"github.com/morezero/peer-broker/pkg/model"
	"github.com/morezero/peer-broker/pkg/replication"
	"github.com/morezero/peer-broker/pkg/routing"
)

const logPrefix = "server:server"

// errCommsClosed cancels the server when the COMMS connection is gone for good.
var errCommsClosed = errors.New("COMMS connection closed")

// store is what the broker needs from its backing store: the peer directory, the
// endpoint address table and message documentation.
type store interface {
	model.PeerInfoProvider
	execution.AddressStore
	communication.MessageInfoStore
}

// Server is the peer-broker orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	metrics    *metrics.Metrics
	svc        service
	disp       requestDispatcher
}

// requestDispatcher answers API requests.
type requestDispatcher interface {
	Dispatch(ctx context.Context, req *dispatcher.Request) *dispatcher.Response
}

// parseLogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run starts the server, blocks until a shutdown signal or a fatal COMMS loss, then
// cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting peer-broker (broker=%s, replication=%s)", logPrefix, cfg.BrokerKind, cfg.ReplicationPolicy))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	s := &Server{cfg: cfg, metrics: metrics.New()}
	defer s.closeConnections()

	// Step 1: Load the peer directory
	dir, err := bootstrap.LoadDirectory(cfg.DirectoryFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load directory: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS. Losing it for good stops the server.
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, func() { cancel(errCommsClosed) })
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))
	}

	// Step 3: Backing store, database when configured and memory otherwise
	st, ping, err := s.openStore(ctx, dir)
	if err != nil {
		return err
	}

	// Step 4: Broker
	b, err := s.newBroker()
	if err != nil {
		return err
	}

	// Step 5: Engine, manager, tracker, router
	comm := s.buildCommunication(b, st, ping)
	if err := comm.Start(ctx); err != nil {
		_ = comm.Close()
		return fmt.Errorf("%s - failed to start communication: %w", logPrefix, err)
	}
	s.svc = comm
	s.disp = dispatcher.NewDispatcher(comm)

	// Step 6: Subscribe to the API subject
	var sub *comms.Subscription
	if s.nc != nil {
		sub, err = s.subscribeAPI(ctx)
		if err != nil {
			_ = comm.Close()
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, cfg.APISubject, err)
		}
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, cfg.APISubject))
	}

	// Step 7: HTTP health and metrics, running until the context ends
	s.httpServer = &http.Server{Addr: cfg.ListenAddr(), Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer done()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - peer-broker is ready", logPrefix))
	<-gctx.Done()
	switch cause := context.Cause(ctx); {
	case cause == nil:
		slog.Error(fmt.Sprintf("%s - HTTP server stopped, shutting down", logPrefix))
	case errors.Is(cause, errCommsClosed):
		slog.Error(fmt.Sprintf("%s - %v, shutting down", logPrefix, cause))
	default:
		slog.Info(fmt.Sprintf("%s - Received shutdown signal", logPrefix))
	}

	// Graceful shutdown
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	httpErr := g.Wait()
	closeErr := comm.Close()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))

	if errors.Is(context.Cause(ctx), errCommsClosed) {
		return errors.Join(errCommsClosed, httpErr, closeErr)
	}
	return errors.Join(httpErr, closeErr)
}

// openStore connects to the database (migrating and seeding when asked) or falls back
// to the directory file with in-memory address and message info tables.
func (s *Server) openStore(ctx context.Context, dir *bootstrap.Directory) (store, func(context.Context) error, error) {
	if s.cfg.DatabaseURL == "" {
		slog.Info(fmt.Sprintf("%s - No DATABASE_URL, serving the directory file from memory", logPrefix))
		return &memoryStore{
			ResolvedDirectory: bootstrap.CreateResolvedDirectory(dir),
			MemoryStore:       db.NewMemoryStore(dir),
		}, nil, nil
	}

	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
		seedFile := s.cfg.SeedFile
		if seedFile == "" {
			seedFile = s.cfg.DirectoryFile
		}
		if err := db.SeedDirectory(ctx, pool, seedFile); err != nil {
			return nil, nil, fmt.Errorf("%s - failed to seed directory: %w", logPrefix, err)
		}
	}
	return db.NewRepository(pool), pool.Ping, nil
}

// memoryStore serves the peer directory from the resolved file and keeps endpoint
// addresses and message info in memory.
type memoryStore struct {
	*bootstrap.ResolvedDirectory
	*db.MemoryStore
}

func (s *Server) newBroker() (broker.Broker, error) {
	if s.cfg.BrokerKind != config.BrokerNATS {
		return broker.NewMemoryBroker(s.metrics), nil
	}
	b, err := broker.NewNATSBroker(s.nc, &broker.NATSBrokerOpts{
		SubjectPrefix: s.cfg.BrokerSubjectPrefix,
		QueueGroup:    s.cfg.COMMSName,
		Metrics:       s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create COMMS broker: %w", logPrefix, err)
	}
	return b, nil
}

func (s *Server) buildCommunication(b broker.Broker, st store, ping func(context.Context) error) *communication.Communication {
	engine := execution.NewEngine(b, &execution.EngineOpts{
		Resolver:    execution.NewAddressResolver(st),
		GracePeriod: s.cfg.ShutdownGrace,
		Metrics:     s.metrics,
	})
	mgr := manager.New(engine, st, &manager.Opts{
		StopTimeout:  s.cfg.ShutdownGrace,
		PullInterval: s.cfg.PullInterval,
	})

	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if s.nc != nil {
		publisher = events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{Subject: s.cfg.DeliveryEventSubject})
	}
	tracker := delivery.NewTracker(b, delivery.TrackerOpts{
		Publisher: publisher,
		Timeout:   s.cfg.DeliveryTimeout,
		Metrics:   s.metrics,
	})
	router := routing.NewRouter(b, mgr, st, routing.RouterOpts{
		Tracker:     tracker,
		Replication: replicaSetConfig(s.cfg, s.metrics),
	})

	return communication.New(communication.Params{
		Broker:      b,
		Engine:      engine,
		Manager:     mgr,
		Router:      router,
		Tracker:     tracker,
		MessageInfo: st,
		Ping:        ping,
		StopTimeout: s.cfg.ShutdownGrace,
	})
}

// replicaSetConfig builds the input channel replica set from the replication settings.
func replicaSetConfig(cfg *config.Config, m *metrics.Metrics) replication.ReplicaSetConfig {
	var p replication.Policy
	switch cfg.ReplicationPolicy {
	case config.ReplicationDynamic:
		p = replication.Dynamic{
			Margin:      cfg.ReplicationMargin,
			MaxUpscale:  cfg.ReplicasMaxUpscale,
			MinHandlers: cfg.ReplicasMin,
		}
	default:
		p = replication.Threshold{
			UpscaleThreshold:   cfg.UpscaleThreshold,
			DownscaleThreshold: cfg.DownscaleThreshold,
			MaxUpscale:         cfg.ReplicasMaxUpscale,
			MinHandlers:        cfg.ReplicasMin,
		}
	}
	return replication.ReplicaSetConfig{
		Name:     string(broker.ChannelInput),
		Policy:   p,
		Interval: cfg.ReplicationInterval,
		Initial:  cfg.ReplicasMin,
		Min:      cfg.ReplicasMin,
		Max:      cfg.ReplicasMax,
		Metrics:  m,
	}
}

// subscribeAPI answers requests on the API subject until ctx ends or the subscription
// is dropped.
func (s *Server) subscribeAPI(ctx context.Context) (*comms.Subscription, error) {
	return s.nc.Subscribe(s.cfg.APISubject, func(msg *comms.Msg) {
		if err := msg.Respond(s.handleRequest(ctx, msg.Data)); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to respond on %s: %v", logPrefix, s.cfg.APISubject, err))
		}
	})
}

// handleRequest decodes one API request, dispatches it under the request timeout and
// returns the encoded response.
func (s *Server) handleRequest(ctx context.Context, data []byte) []byte {
	var req dispatcher.Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
		out, _ := json.Marshal(&dispatcher.Response{
			Ok: false,
			Error: &dispatcher.ErrorDetail{
				Code:    dispatcher.CodeInvalidArgument,
				Message: "Failed to decode request",
			},
		})
		return out
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp := s.disp.Dispatch(reqCtx, &req)
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response to %s: %v", logPrefix, req.ID, err))
		out, _ = json.Marshal(&dispatcher.Response{
			ID: req.ID,
			Error: &dispatcher.ErrorDetail{
				Code:    dispatcher.CodeInternal,
				Message: "Failed to encode response",
			},
		})
	}
	return out
}

// closeConnections releases COMMS and the database pool, whichever were opened.
func (s *Server) closeConnections() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
