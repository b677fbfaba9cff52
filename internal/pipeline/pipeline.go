// Package pipeline sequences the two phases of a run: probe every target,
// then screenshot the live ones. The phases never overlap.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/limiter"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	"github.com/IliaW/front-page-snapshot-worker/internal/storage"
)

// ErrNothingToProcess is returned when no target survives the probe phase.
// It is an expected terminal state of a run, not a failure.
var ErrNothingToProcess = errors.New("no live targets to process")

type Prober interface {
	Probe(target model.Target) *model.OutcomeRecord
}

type Capturer interface {
	Capture(ctx context.Context, target model.Target) *model.OutcomeRecord
}

type RecordWriter interface {
	AppendRecords(name string, records []*model.OutcomeRecord) error
}

// OutcomeSink receives every outcome record in addition to the CSV
// collections. Sinks log their own failures; a broken sink never stops a run.
type OutcomeSink interface {
	SaveOutcome(record *model.OutcomeRecord)
}

type Pipeline struct {
	log            *slog.Logger
	prober         Prober
	capturer       Capturer
	store          RecordWriter
	probeLimiter   *limiter.Limiter
	captureLimiter *limiter.Limiter
	recordChan     chan<- *model.OutcomeRecord
	sinks          []OutcomeSink
}

// New validates both concurrency caps up front; a bad cap is a startup
// error, never discovered mid-run. recordChan and sinks are optional.
func New(cfg *config.Config, prober Prober, capturer Capturer, store RecordWriter,
	recordChan chan<- *model.OutcomeRecord, sinks []OutcomeSink,
	log *slog.Logger) (*Pipeline, error) {
	probeLimiter, err := limiter.New(cfg.ProbeSettings.MaxConcurrency, true, log)
	if err != nil {
		return nil, err
	}
	captureLimiter, err := limiter.New(cfg.ScreenshotSettings.MaxConcurrency, true, log)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		log:            log,
		prober:         prober,
		capturer:       capturer,
		store:          store,
		probeLimiter:   probeLimiter,
		captureLimiter: captureLimiter,
		recordChan:     recordChan,
		sinks:          sinks,
	}, nil
}

// Run executes both phases and blocks until all records are routed. Every
// target produces exactly one probe record; every live target produces
// exactly one capture record. The probe phase fully completes before the
// first capture is dispatched.
func (p *Pipeline) Run(ctx context.Context, targets []model.Target) error {
	p.log.Info("probe phase started.", slog.Int("targets", len(targets)))
	up, down, err := p.probePhase(ctx, targets)
	p.log.Info("probe phase finished.", slog.Int("up", len(up)), slog.Int("down", len(down)))

	p.route(storage.GoodResponseFile, up)
	p.route(storage.BadResponseFile, down)
	if err != nil {
		return err
	}
	if len(up) == 0 {
		return ErrNothingToProcess
	}

	live := make([]model.Target, 0, len(up))
	for _, record := range up {
		live = append(live, record.Target())
	}

	p.log.Info("capture phase started.", slog.Int("targets", len(live)))
	captured, failed, err := p.capturePhase(ctx, live)
	p.log.Info("capture phase finished.", slog.Int("captured", len(captured)),
		slog.Int("failed", len(failed)))

	p.route(storage.OutputFile, captured)
	p.route(storage.ScreenshotFailedFile, failed)

	return err
}

func (p *Pipeline) probePhase(ctx context.Context,
	targets []model.Target) ([]*model.OutcomeRecord, []*model.OutcomeRecord, error) {
	// the two partitions are allocated independently; records are never
	// shared between them
	up := make([]*model.OutcomeRecord, 0, len(targets))
	down := make([]*model.OutcomeRecord, 0, len(targets))
	var mu sync.Mutex

	err := limiter.RunBatch(ctx, p.probeLimiter, targets,
		func(_ context.Context, _ int, target model.Target) {
			record := p.prober.Probe(target)
			mu.Lock()
			if record.Classification == model.Up {
				up = append(up, record)
			} else {
				down = append(down, record)
			}
			mu.Unlock()
		})

	return up, down, err
}

func (p *Pipeline) capturePhase(ctx context.Context,
	targets []model.Target) ([]*model.OutcomeRecord, []*model.OutcomeRecord, error) {
	captured := make([]*model.OutcomeRecord, 0, len(targets))
	failed := make([]*model.OutcomeRecord, 0, len(targets))
	var mu sync.Mutex

	err := limiter.RunBatch(ctx, p.captureLimiter, targets,
		func(ctx context.Context, _ int, target model.Target) {
			record := p.capturer.Capture(ctx, target)
			mu.Lock()
			if record.Classification == model.Success {
				captured = append(captured, record)
			} else {
				failed = append(failed, record)
			}
			mu.Unlock()
		})

	return captured, failed, err
}

// route persists a partition and fans every record out to the optional
// channel and sinks. Persistence errors are logged and do not stop the run;
// the records still reach the sinks.
func (p *Pipeline) route(name string, records []*model.OutcomeRecord) {
	if err := p.store.AppendRecords(name, records); err != nil {
		p.log.Error("failed to persist outcome records.", slog.String("file", name),
			slog.String("err", err.Error()))
	}
	for _, record := range records {
		if p.recordChan != nil {
			p.recordChan <- record
		}
		for _, sink := range p.sinks {
			sink.SaveOutcome(record)
		}
	}
}
