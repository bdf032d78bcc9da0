package claimd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"claimengine/core/events"
	"claimengine/crypto"
	"claimengine/native/bank"
	"claimengine/native/claims"
	"claimengine/observability"
	"claimengine/storage"
)

var seededKey = []byte("claimd/custody-seeded")

// Daemon bundles the running components of claimd.
type Daemon struct {
	cfg     Config
	logger  *slog.Logger
	db      storage.Database
	ledger  *bank.Ledger
	engine  *claims.Engine
	journal *Journal
	server  *Server
}

// New opens storage, seeds custody, restores the engine and builds the HTTP
// surface. Call Close when done.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, logger: logger, db: db, ledger: bank.NewLedger(db)}
	if err := d.build(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context) error {
	engineCfg, err := d.cfg.EngineConfig()
	if err != nil {
		return err
	}
	if err := seedCustody(d.db, d.ledger, engineCfg.Address, d.cfg.Custody); err != nil {
		return fmt.Errorf("seed custody: %w", err)
	}
	gdb, err := OpenJournalDB(d.cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if d.journal, err = NewJournal(gdb, d.logger.With("component", "journal")); err != nil {
		return err
	}
	d.engine, err = claims.NewEngine(d.db, d.ledger, engineCfg,
		claims.WithEmitter(events.Fanout{d.journal}),
		claims.WithLogger(d.logger.With("component", "engine")),
		claims.WithMetrics(observability.Claims()),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if d.cfg.PauseOnStart && !d.engine.Paused() {
		owner, err := d.engine.Owner()
		if err != nil {
			return err
		}
		if err := d.engine.Pause(ctx, owner); err != nil {
			return fmt.Errorf("pause on start: %w", err)
		}
	}
	d.server, err = NewServer(ServerConfig{
		Engine:    d.engine,
		Journal:   d.journal,
		Admin:     d.cfg.Admin,
		RateLimit: d.cfg.RateLimit,
		Logger:    d.logger.With("component", "http"),
	})
	return err
}

// seedCustody registers every configured token and, on the first start only,
// credits the configured balances to the engine account.
func seedCustody(db storage.Database, ledger *bank.Ledger, engine [20]byte, cfg CustodyConfig) error {
	type seed struct {
		token  *bank.Token
		amount string
	}
	seeds := make([]seed, 0, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		addr, err := crypto.ParseAddress(tc.Address)
		if err != nil {
			return fmt.Errorf("token %s: %w", tc.Symbol, err)
		}
		seeds = append(seeds, seed{token: ledger.RegisterToken(addr, tc.Symbol, tc.Decimals), amount: tc.Balance})
	}
	seeded, err := db.Has(seededKey)
	if err != nil || seeded {
		return err
	}
	native, err := parseAmount(cfg.NativeBalance)
	if err != nil {
		return err
	}
	if native.Sign() > 0 {
		if err := ledger.Credit(engine, native); err != nil {
			return err
		}
	}
	for _, s := range seeds {
		amount, err := parseAmount(s.amount)
		if err != nil {
			return err
		}
		if amount.Sign() > 0 {
			if err := s.token.Mint(engine, amount); err != nil {
				return err
			}
		}
	}
	return db.Put(seededKey, []byte{1})
}

// Engine exposes the settlement engine.
func (d *Daemon) Engine() *claims.Engine { return d.engine }

// Ledger exposes the custody ledger.
func (d *Daemon) Ledger() *bank.Ledger { return d.ledger }

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Serve listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("claimd listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout.Duration)
	defer cancel()
	d.logger.Info("claimd shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases storage and the journal connection.
func (d *Daemon) Close() {
	if d.journal != nil {
		if sqlDB, err := d.journal.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if d.db != nil {
		d.db.Close()
	}
}
