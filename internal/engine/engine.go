// Package engine ties the Matcher, Registry, Position Store and Channel
// together into the host-driven lifecycle contract of §5/§6:
// configure -> start -> process* -> stop. A single coarse mutex serializes
// Process, Stop and the background idle-checker job. The background
// position-writer job does not take that mutex: it reads the Position Store
// under the store's own lock, and callgroup coalesces it with the
// post-commit write in Process.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustinkirkland/golang-petname"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"tailsource/internal/callgroup"
	"tailsource/internal/channel"
	"tailsource/internal/config"
	"tailsource/internal/logging"
	"tailsource/internal/matcher"
	"tailsource/internal/position"
	"tailsource/internal/record"
	"tailsource/internal/registry"
	"tailsource/internal/spool"
)

// produced pairs an emitted record with the registry entry it came from, so
// a transaction failure can roll back exactly the TailFiles that
// contributed to this cycle's batch.
type produced struct {
	entry *registry.Entry
	rec   record.Record
}

// Status is process()'s per-cycle result (§6 "Lifecycle contract").
type Status int

const (
	// Ready means at least one record was produced and committed this cycle.
	Ready Status = iota
	// Backoff means no records were committed this cycle (none were
	// available, or the transaction failed); the host should retry with
	// exponential delay.
	Backoff
)

func (s Status) String() string {
	if s == Ready {
		return "READY"
	}
	return "BACKOFF"
}

// Engine is the tailing core: one instance per configured set of file
// groups and a downstream channel.
type Engine struct {
	ID   uuid.UUID
	Name string

	cfg       *config.Config
	matcher   *matcher.Matcher
	registry  *registry.Registry
	positions *position.Store
	spool     *spool.Spool
	ch        channel.Channel
	logger    *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	writes    callgroup.Group[string]
}

// Configure validates flat and constructs an Engine ready for Start. A
// configuration error here prevents Start, per §7. ctx is accepted to match
// the host lifecycle contract's configure(context) signature; the core does
// no I/O at configure time that would need cancellation.
func Configure(ctx context.Context, flat map[string]string, ch channel.Channel, logger *slog.Logger) (*Engine, error) {
	cfg, err := config.Parse(flat)
	if err != nil {
		return nil, err
	}

	logger = logging.Default(logger)
	id := uuid.New()
	name := flat["instanceID"]
	if name == "" {
		name = petname.Generate(2, "-")
	}
	scoped := logger.With("component", "engine", "instance", name)

	var groups []matcher.Group
	for _, g := range cfg.FileGroups {
		groups = append(groups, matcher.Group{Name: g.Name, Pattern: g.Pattern})
	}
	m, err := matcher.New(groups, scoped)
	if err != nil {
		return nil, err
	}

	positions, err := position.Open(position.Config{Path: cfg.PositionFile, Logger: scoped})
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Config{
		IdleTimeout:    cfg.IdleTimeout,
		SkipToEnd:      cfg.SkipToEnd,
		Multiline:      cfg.Multiline,
		Positions:      positions,
		Logger:         scoped,
		OpenFileBudget: 0,
	})

	return &Engine{
		ID:        id,
		Name:      name,
		cfg:       cfg,
		matcher:   m,
		registry:  reg,
		positions: positions,
		spool:     spool.Open(cfg.PositionFile + ".spool"),
		ch:        ch,
		logger:    scoped,
	}, nil
}

// Start recovers any spooled in-flight batch from a prior crash and
// schedules the background idle-checker and position-writer jobs.
func (e *Engine) Start() error {
	if err := e.recoverSpool(); err != nil {
		e.logger.Warn("spool recovery failed, continuing without it", "error", err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("engine: create scheduler: %w", err)
	}

	if e.cfg.IdleTimeout > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(e.cfg.IdleTimeout),
			gocron.NewTask(func() { e.runIdleCheck() }),
			gocron.WithName("idle-checker:"+e.Name),
		); err != nil {
			return fmt.Errorf("engine: schedule idle-checker: %w", err)
		}
	}
	if e.cfg.WritePosInterval > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(e.cfg.WritePosInterval),
			gocron.NewTask(func() { e.writePositions() }),
			gocron.WithName("position-writer:"+e.Name),
		); err != nil {
			return fmt.Errorf("engine: schedule position-writer: %w", err)
		}
	}

	sched.Start()
	e.scheduler = sched
	e.logger.Info("engine started", "id", e.ID, "name", e.Name)
	return nil
}

// Process runs one poll cycle: refresh matches, reconcile the registry,
// flush stalled multiline events of files that did not change, read up to
// batchSize records across dirty files in lastUpdated order,
// submit them as a single channel transaction, and promote offsets only on
// commit.
func (e *Engine) Process() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	matches := e.matcher.Refresh()
	dirty, err := e.registry.Reconcile(matches, e.cfg.RegistryGroups())
	if err != nil {
		return Backoff, err
	}

	// Each dirty entry's flush and read are appended together before moving
	// to the next entry, so a cycle's batch groups all of one file's
	// records contiguously ahead of the next file's (§5, P6) rather than
	// interleaving every file's stale flush ahead of every file's fresh
	// reads.
	var batch []produced
	now := time.Now()
	// Files that did not change this cycle can still hold a stalled
	// multiline event; the stall timeout applies to them too.
	inDirty := make(map[*registry.Entry]bool, len(dirty))
	for _, entry := range dirty {
		inDirty[entry] = true
	}
	for _, entry := range e.registry.Entries() {
		if inDirty[entry] || len(batch) >= e.cfg.BatchSize {
			continue
		}
		if rec, ok := entry.Tail.FlushStale(now); ok {
			batch = append(batch, produced{entry: entry, rec: e.decorate(rec)})
		}
	}
	for _, entry := range dirty {
		if len(batch) >= e.cfg.BatchSize {
			break
		}
		if rec, ok := entry.Tail.FlushStale(now); ok {
			batch = append(batch, produced{entry: entry, rec: e.decorate(rec)})
		}
		if len(batch) >= e.cfg.BatchSize {
			break
		}
		if err := e.registry.Touch(entry); err != nil {
			e.logger.Warn("failed to reattach evicted file", "path", entry.Path, "error", err)
			continue
		}
		remaining := e.cfg.BatchSize - len(batch)
		recs, err := entry.Tail.ReadEvents(remaining, e.cfg.BackoffWithoutNL, e.cfg.ByteOffsetHeader)
		if err != nil {
			e.logger.Warn("read failed, skipping file this cycle", "path", entry.Path, "error", err)
			continue
		}
		for _, rec := range recs {
			batch = append(batch, produced{entry: entry, rec: e.decorate(rec)})
		}
	}

	if len(batch) == 0 {
		return Backoff, nil
	}

	records := make([]record.Record, 0, len(batch))
	for _, p := range batch {
		records = append(records, p.rec)
	}
	if err := e.spool.Write(records); err != nil {
		e.logger.Warn("spool write failed, continuing without write-ahead durability", "error", err)
	}

	txn, err := e.ch.Transaction()
	if err != nil {
		e.rollbackAll(batch)
		return Backoff, fmt.Errorf("engine: open transaction: %w", err)
	}
	if err := txn.Begin(); err != nil {
		e.rollbackAll(batch)
		return Backoff, fmt.Errorf("engine: begin transaction: %w", err)
	}
	for _, p := range batch {
		if err := txn.Put(p.rec); err != nil {
			_ = txn.Rollback()
			_ = txn.Close()
			e.rollbackAll(batch)
			return Backoff, fmt.Errorf("engine: put record: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		_ = txn.Close()
		e.rollbackAll(batch)
		return Backoff, fmt.Errorf("engine: commit failed: %w", err)
	}
	_ = txn.Close()

	if err := e.spool.Clear(); err != nil {
		e.logger.Warn("spool clear failed", "error", err)
	}
	e.promoteAll(batch)
	e.writePositions()
	return Ready, nil
}

// Stop finishes any in-flight work, closes all tracked file handles, writes
// a final position snapshot, and stops the background scheduler.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scheduler != nil {
		if err := e.scheduler.Shutdown(); err != nil {
			e.logger.Warn("scheduler shutdown failed", "error", err)
		}
	}
	if err := e.registry.CloseAll(); err != nil {
		e.logger.Warn("failed to close all tracked files", "error", err)
	}
	if err := e.positions.Write(); err != nil {
		e.logger.Warn("final position write failed", "error", err)
	}
	e.logger.Info("engine stopped", "id", e.ID, "name", e.Name)
	return nil
}

func (e *Engine) runIdleCheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.CloseIdle(time.Now())
}

// writePositions rewrites the snapshot, coalescing concurrent callers (the
// post-commit write in Process and the scheduled background writer) onto a
// single in-flight write via callgroup, the same call-deduplication pattern
// the teacher uses for concurrent cache-population requests.
func (e *Engine) writePositions() {
	<-e.writes.DoChan("write", func() error {
		return e.positions.Write()
	})
}

func (e *Engine) recoverSpool() error {
	batch, err := e.spool.Load()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	e.logger.Warn("recovering spooled batch from prior run", "records", len(batch))
	txn, err := e.ch.Transaction()
	if err != nil {
		return err
	}
	if err := txn.Begin(); err != nil {
		return err
	}
	for _, rec := range batch {
		if err := txn.Put(rec); err != nil {
			_ = txn.Rollback()
			_ = txn.Close()
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		_ = txn.Close()
		return err
	}
	_ = txn.Close()
	return e.spool.Clear()
}

func (e *Engine) rollbackAll(batch []produced) {
	seen := make(map[*registry.Entry]bool)
	for _, p := range batch {
		if seen[p.entry] {
			continue
		}
		seen[p.entry] = true
		if err := p.entry.Tail.Rollback(); err != nil {
			e.logger.Warn("rollback failed", "path", p.entry.Path, "error", err)
		}
	}
}

func (e *Engine) promoteAll(batch []produced) {
	seen := make(map[*registry.Entry]bool)
	for _, p := range batch {
		if seen[p.entry] {
			continue
		}
		seen[p.entry] = true
		p.entry.Tail.Promote()
		e.positions.Update(p.entry.ID, p.entry.Path, p.entry.Tail.Pos())
	}
}

// decorate applies the configured path header on top of whatever headers
// the TailFile already attached (group headers, byteoffset).
func (e *Engine) decorate(rec record.Record) record.Record {
	if e.cfg.FileHeader {
		rec = rec.WithHeader(e.cfg.FileHeaderKey, rec.Path)
	}
	return rec
}
