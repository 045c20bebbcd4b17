// Package dispatch is the single background actor that reconciles printer
// telemetry against the persisted job queue: it notices finished prints,
// picks the next eligible job for each ready printer, and hands claimed
// jobs to a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/linchengyeyu/bambu-farm/engine"
	"github.com/linchengyeyu/bambu-farm/internal/model"
	"github.com/linchengyeyu/bambu-farm/internal/store"
	"github.com/linchengyeyu/bambu-farm/internal/telemetry"
	"github.com/linchengyeyu/bambu-farm/internal/transfer"
)

const defaultTickInterval = 2 * time.Second

// Fleet is the narrow view of a telemetry fleet the dispatcher needs:
// reading a printer's State and reaching its command publisher.
type Fleet interface {
	State(serial string) *telemetry.State
	Client(serial string) telemetry.PrintPublisher
}

// Uploader is the narrow view of the file transfer worker the dispatcher
// needs.
type Uploader interface {
	Upload(ctx context.Context, localPath, remoteName, host, accessCode string) bool
}

// Notifier is the narrow view of the notification sink the dispatcher
// needs.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Dispatcher is the scheduler loop: one tick per printer, per period,
// reconciling completions before claiming new work.
type Dispatcher struct {
	store        *store.Store
	fleet        Fleet
	transfer     Uploader
	notifier     Notifier
	pool         *workerPool
	tickInterval time.Duration

	// requireConnected, when set, adds "telemetry session connected" as an
	// extra precondition for a printer being ready to dispatch to. Off by
	// default to match the literal behavior of treating a stale-but-idle
	// State as safe; an operator who sees false positives from a dropped
	// MQTT session without a corresponding state change can flip this via
	// WithRequireConnected without a code change.
	requireConnected bool

	paused atomicBool
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithTickInterval overrides the default 2-second dispatch tick period.
func WithTickInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.tickInterval = d }
}

// WithRequireConnected makes a dropped telemetry session block dispatch to
// that printer even if its last-known State otherwise looks idle.
func WithRequireConnected() Option {
	return func(disp *Dispatcher) { disp.requireConnected = true }
}

func New(st *store.Store, fleet Fleet, xfer Uploader, notifier Notifier, poolSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		fleet:        fleet,
		transfer:     xfer,
		notifier:     notifier,
		pool:         newWorkerPool(poolSize),
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(d.tickInterval, d.tick))
}

// SetPaused flips the global pause flag; a paused dispatcher's tick is a
// no-op, but the loop keeps running so resuming takes effect on the next
// tick without restarting the process.
func (d *Dispatcher) SetPaused(paused bool) { d.paused.Set(paused) }
func (d *Dispatcher) Paused() bool          { return d.paused.Get() }

func (d *Dispatcher) tick(ctx context.Context) bool {
	if d.paused.Get() {
		return false
	}

	printers, err := d.store.Printers().List(ctx)
	if err != nil {
		slog.Error("listing printers for dispatch tick", "error", err)
		return false
	}

	for _, p := range printers {
		if err := d.processPrinter(ctx, p); err != nil {
			slog.Error("dispatch tick failed for printer", "printer", p.DisplayName, "error", err)
		}
	}
	return false
}

func (d *Dispatcher) processPrinter(ctx context.Context, p *model.Printer) error {
	state := d.fleet.State(p.Serial)
	if state == nil {
		return nil
	}

	safe, reason := state.IsSafeToPrint(time.Now())
	if safe && d.requireConnected && !state.Snapshot().Connected {
		safe, reason = false, "telemetry session not connected"
	}

	// Reconcile completions first. Telemetry says idle; any job still
	// marked printing for this printer must be the one that just finished,
	// since at most one job per printer is ever printing at a time.
	if safe {
		if err := d.reconcileCompletions(ctx, p); err != nil {
			return fmt.Errorf("reconciling completions: %w", err)
		}
	}

	// Gate: don't select work for a printer that isn't ready.
	if !safe {
		slog.Debug("printer not ready for dispatch", "printer", p.DisplayName, "reason", reason)
		return nil
	}

	// Select the highest-priority pending job not already pinned to a
	// different printer.
	candidates, err := d.store.Jobs().List(ctx, store.JobFilter{Status: model.JobPending})
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}
	var candidate *model.Job
	for _, j := range candidates {
		if j.AssignedPrinterID == nil || *j.AssignedPrinterID == p.ID {
			candidate = j
			break
		}
	}
	if candidate == nil {
		return nil
	}

	// Concurrency guard against duplicate in-flight uploads of the same
	// archive.
	uploading, err := d.store.Jobs().List(ctx, store.JobFilter{Status: model.JobUploading, StoredPath: candidate.StoredPath})
	if err != nil {
		return fmt.Errorf("checking duplicate-path guard: %w", err)
	}
	if len(uploading) > 0 {
		return nil
	}

	// Claim the job; a conditional UPDATE means only one tick wins it.
	claimed, err := d.store.Jobs().Claim(ctx, candidate.ID, p.ID)
	if err != nil {
		return fmt.Errorf("claiming job %d: %w", candidate.ID, err)
	}
	if !claimed {
		// Lost the race (or the row changed underneath us); try again next tick.
		return nil
	}
	d.store.RecordEvent(ctx, "claimed", &p.ID, &candidate.ID, "")

	// Hand off to the worker pool.
	d.pool.Submit(func() {
		d.runWorkerTask(context.Background(), p.ID, candidate.ID)
	})
	return nil
}

func (d *Dispatcher) reconcileCompletions(ctx context.Context, p *model.Printer) error {
	printing, err := d.store.Jobs().List(ctx, store.JobFilter{Status: model.JobPrinting, AssignedPrinterID: &p.ID})
	if err != nil {
		return err
	}
	for _, j := range printing {
		if err := d.store.Jobs().SetStatus(ctx, j.ID, model.JobCompleted); err != nil {
			slog.Error("marking job completed", "job", j.ID, "error", err)
			continue
		}
		d.store.RecordEvent(ctx, "completed", &p.ID, &j.ID, "")
		d.notifier.Notify(ctx, fmt.Sprintf("print completed: %s (%s)", j.SourceFilename, p.DisplayName))
	}
	return nil
}

// runWorkerTask is the worker-pool task: reload rows, upload, compute MD5,
// publish the print command, and transition the job. It runs off the
// dispatcher's goroutine with its own context.
func (d *Dispatcher) runWorkerTask(ctx context.Context, printerID, jobID int64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "printer", printerID, "job", jobID, "panic", r)
			if err := d.store.Jobs().SetStatus(ctx, jobID, model.JobFailed); err != nil {
				slog.Error("marking job failed after panic", "job", jobID, "error", err)
			}
		}
	}()

	p, err := d.store.Printers().Get(ctx, printerID)
	if err != nil {
		slog.Error("worker task: printer missing", "printer", printerID, "error", err)
		return
	}
	j, err := d.store.Jobs().Get(ctx, jobID)
	if err != nil {
		slog.Error("worker task: job missing", "job", jobID, "error", err)
		return
	}

	if !d.transfer.Upload(ctx, j.StoredPath, j.SourceFilename, p.HostAddress, p.AccessCode) {
		d.failJob(ctx, p, j, "upload failed")
		return
	}

	md5, err := transfer.MD5(j.StoredPath)
	if err != nil {
		d.failJob(ctx, p, j, "computing md5")
		return
	}

	client := d.fleet.Client(p.Serial)
	if client == nil {
		d.failJob(ctx, p, j, "no telemetry session")
		return
	}

	ok := client.PublishPrint(telemetry.PrintParams{
		SourceFilename:    j.SourceFilename,
		MD5:               md5,
		Timelapse:         j.Timelapse,
		BedLevelling:      j.BedLevelling,
		FlowCalibration:   j.FlowCalibration,
		UseMaterialSystem: j.UseMaterialSystem,
	})
	if !ok {
		d.failJob(ctx, p, j, "publish print command failed")
		return
	}

	if err := d.store.Jobs().SetStatus(ctx, j.ID, model.JobPrinting); err != nil {
		slog.Error("marking job printing", "job", j.ID, "error", err)
		return
	}
	d.store.RecordEvent(ctx, "printing", &p.ID, &j.ID, "")
	d.notifier.Notify(ctx, fmt.Sprintf("print started: %s (%s)", j.SourceFilename, p.DisplayName))
}

func (d *Dispatcher) failJob(ctx context.Context, p *model.Printer, j *model.Job, reason string) {
	if err := d.store.Jobs().SetStatus(ctx, j.ID, model.JobFailed); err != nil {
		slog.Error("marking job failed", "job", j.ID, "error", err)
		return
	}
	d.store.RecordEvent(ctx, "failed", &p.ID, &j.ID, reason)
	d.notifier.Notify(ctx, fmt.Sprintf("print failed: %s (%s): %s", j.SourceFilename, p.DisplayName, reason))
}
