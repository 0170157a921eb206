package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/config"
	"github.com/l1jgo/replicore/internal/core/peer"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
	rnet "github.com/l1jgo/replicore/internal/net"
	"github.com/l1jgo/replicore/internal/persist"
	"github.com/l1jgo/replicore/internal/scripting"
	"github.com/l1jgo/replicore/internal/sim"
)

// app is the process-wide wiring shared by host and join.
type app struct {
	cfg *config.Config
	log *zap.Logger

	k   *kernel.Kernel
	sim *sim.Sim
	ep  *rnet.Endpoint

	db     *persist.DB
	rec    *persist.Recorder
	engine *scripting.Engine

	closers []func()
}

func newApp(opts *rootOptions, role string) (*app, error) {
	cfg, source, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	printBanner(role)
	printSection("config")
	printOK("loaded " + source)
	fmt.Println()

	a := &app{cfg: cfg, log: log}
	a.k = kernel.New(cfg, log)
	a.onClose(a.k.Close)
	opts := sim.Options{CellSize: cfg.Interest.CellSize}
	if cfg.Interest.Enabled {
		opts.Radius = cfg.Interest.LeaveRadius
	}
	a.sim = sim.New(a.k, opts)
	if err := a.sim.Install(); err != nil {
		a.close()
		return nil, fmt.Errorf("sim: %w", err)
	}
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close runs the registered teardown in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}

func (a *app) openPersistence(ctx context.Context) error {
	printSection("database")
	if a.cfg.Database.DSN == "" {
		printSkip("no dsn configured, persistence off")
		fmt.Println()
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := persist.Open(ctx, a.cfg.Database, a.log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.db = db
	a.onClose(db.Close)
	printOK("postgres connected")

	if err := persist.Migrate(ctx, db.Pool, a.log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	printOK("migrations applied")

	rec, err := persist.NewRecorder(a.k, persist.NewStore(db), nil)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	a.rec = rec
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.Flush(ctx); err != nil {
			a.log.Warn("final flush failed", zap.Int("rows", rec.Pending()), zap.Error(err))
		}
		rec.Close()
	})
	fmt.Println()
	return nil
}

func (a *app) openScripting() error {
	printSection("scripting")
	if a.cfg.Scripting.Dir == "" {
		printSkip("no script directory configured")
		fmt.Println()
		return nil
	}
	engine, err := scripting.NewEngine(a.k, a.cfg.Scripting.Dir, a.log.Named("lua"))
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	a.engine = engine
	a.onClose(engine.Close)
	printStat("lua tasks", len(engine.Tasks()))
	fmt.Println()
	return nil
}

func (a *app) listen(bind string) error {
	ep, err := rnet.Listen(bind, a.cfg.Network.InQueueSize, a.cfg.Network.MaxDatagram, a.log)
	if err != nil {
		return err
	}
	ep.Start()
	a.ep = ep
	a.onClose(ep.Shutdown)
	return nil
}

// statusEvery logs a one-line summary at the given interval.
func (a *app) statusEvery(d time.Duration) error {
	_, err := a.k.Schedule(system.TaskSpec{
		Name:     "status",
		Priority: system.PhaseCleanup.Priority(),
		Hz:       float64(time.Second) / float64(d),
	}, func(k *kernel.Kernel, _ time.Duration) error {
		fields := []zap.Field{
			zap.Uint64("frame", k.Frame()),
			zap.Int("entities", k.World().Allocator().Live()),
			zap.Int("peers", k.Peers().Count()),
			zap.Int("removing", k.RemovePending()),
			zap.Int("faults", len(k.Faults())),
		}
		if a.ep != nil {
			fields = append(fields, zap.Uint64("dropped", a.ep.Dropped()), zap.Uint64("corrupt", a.ep.Corrupt()))
		}
		if self := k.Peers().Self(); self != peer.NoPeer {
			fields = append(fields, zap.Int("nearby", len(a.sim.Nearby(nil, self))))
		}
		a.log.Info("status", fields...)
		return nil
	})
	return err
}

// loop runs frames until SIGINT/SIGTERM.
func (a *app) loop() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printReady(fmt.Sprintf("game loop running (%.0f fps)", a.cfg.Kernel.LoopRate))
	fmt.Println()
	for ctx.Err() == nil {
		a.k.Run()
	}
	a.log.Info("shutdown signal received")
}
