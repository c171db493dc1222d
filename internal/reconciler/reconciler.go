package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"rolechat/internal/models"
	"rolechat/internal/service/ai"
)

const (
	DefaultInterval = time.Minute
	cycleLockKey    = "reconciler:cycle"
)

// DefaultAnalysisPrompt asks for a moderator-facing report on one role's transcript.
const DefaultAnalysisPrompt = "You are an AI assistant tasked with analyzing conversation transcripts in a Project Based Learning simulation. " +
	"Your task is to analyze the messages from the user only. " +
	"The user has a role type associated with them, along with timestamps for messages. This is reported in the transcript. " +
	"I want you to then produce a report outlining what has happened in the transcript. " +
	"The purpose of this report is to update the moderator on the state of the simulation for this role."

// ErrCycleInProgress is returned when a cycle is already running here or in another process.
var ErrCycleInProgress = errors.New("reconcile cycle already in progress")

type Store interface {
	TranscriptsChangedSince(ctx context.Context, cutoff time.Time) ([]*models.Transcript, error)
	UpsertAnalysis(ctx context.Context, threadID, role, body string) (*models.Analysis, error)
	RecordIndexedDocument(ctx context.Context, doc models.IndexedDocument) error
}

type Completer interface {
	CompleteChat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type Index interface {
	ListDocuments(ctx context.Context, indexID string) ([]ai.Document, error)
	DeleteDocument(ctx context.Context, indexID, docID string) error
	UploadDocument(ctx context.Context, indexID, name string, data []byte) (string, error)
}

// Locker guards cycles across processes; *redis.Client satisfies it.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key string, value interface{}) (bool, error)
}

type Config struct {
	Interval      time.Duration
	Window        time.Duration
	Concurrency   int
	RatePerMinute int
	IndexSync     bool
	IndexID       string
	ExportDir     string
	SystemPrompt  string
}

// Report summarizes one cycle.
type Report struct {
	Cutoff   time.Time `json:"cutoff"`
	Selected int       `json:"selected"`
	Analyzed int       `json:"analyzed"`
	Indexed  int       `json:"indexed"`
	Exported int       `json:"exported"`
	Failed   int       `json:"failed"`
	Err      error     `json:"-"`
}

// Reconciler periodically re-analyzes and re-indexes recently changed transcripts.
type Reconciler struct {
	store     Store
	completer Completer
	index     Index
	locker    Locker
	cfg       Config
	limiter   *rate.Limiter
	now       func() time.Time
	owner     string
	running   atomic.Bool
	// start of the last cycle that selected transcripts; only touched while running is held
	lastStart time.Time
}

type Option func(*Reconciler)

// WithLocker enables the cross-process cycle lock.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler. index may be nil when index sync is disabled.
func New(store Store, completer Completer, index Index, cfg Config, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window < cfg.Interval {
		cfg.Window = cfg.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultAnalysisPrompt
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60)
	}
	r := &Reconciler{
		store:     store,
		completer: completer,
		index:     index,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		now:       func() time.Time { return time.Now().UTC() },
		owner:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs a cycle every interval until ctx is done. The returned channel
// closes once the loop has exited.
func (r *Reconciler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx)
	}()
	return done
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunCycle(ctx); err != nil {
				if errors.Is(err, ErrCycleInProgress) {
					log.Debug().Msg("reconcile tick skipped, previous cycle still running")
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("reconcile cycle failed")
			}
		}
	}
}

// RunCycle processes every transcript changed within the window. Failures of
// single transcripts are counted in the report and never abort the cycle.
func (r *Reconciler) RunCycle(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer r.running.Store(false)

	if r.locker != nil {
		ok, err := r.locker.SetNX(ctx, cycleLockKey, r.owner, r.cfg.Interval)
		if err != nil {
			log.Warn().Err(err).Msg("reconcile lock unavailable, running unlocked")
		} else if !ok {
			return nil, ErrCycleInProgress
		} else {
			defer func() {
				released, err := r.locker.DelIfValue(context.Background(), cycleLockKey, r.owner)
				if err != nil {
					log.Warn().Err(err).Msg("reconcile unlock failed")
				} else if !released {
					log.Warn().Msg("reconcile lock expired before the cycle finished")
				}
			}()
		}
	}

	start := r.now()
	cutoff := start.Add(-r.cfg.Window)
	// a late tick or an overrunning cycle must not skip changes made since the last one
	if !r.lastStart.IsZero() && r.lastStart.Before(cutoff) {
		cutoff = r.lastStart
	}
	report := &Report{Cutoff: cutoff}
	logger := log.With().Str("component", "reconciler").Time("cutoff", report.Cutoff).Logger()
	ctx = logger.WithContext(ctx)

	transcripts, err := r.store.TranscriptsChangedSince(ctx, report.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("select transcripts: %w", err)
	}
	report.Selected = len(transcripts)
	r.lastStart = start
	logger.Info().Int("selected", report.Selected).Msg("reconcile cycle started")
	if len(transcripts) == 0 {
		return report, nil
	}

	var existing map[string][]ai.Document
	indexSync := r.cfg.IndexSync && r.index != nil && r.cfg.IndexID != ""
	if indexSync {
		docs, err := r.index.ListDocuments(ctx, r.cfg.IndexID)
		if err != nil {
			// analysis still runs; the next cycle retries the sync
			logger.Error().Err(err).Msg("list index documents failed, skipping index sync")
			indexSync = false
		} else {
			existing = make(map[string][]ai.Document, len(docs))
			for _, d := range docs {
				existing[d.Name] = append(existing[d.Name], d)
			}
		}
	}

	var (
		analyzed, indexed, exported, failed atomic.Int64
		mu                                  sync.Mutex
		errs                                []error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, t := range transcripts {
		g.Go(func() error {
			res := r.process(ctx, t, indexSync, existing)
			if res.analyzed {
				analyzed.Add(1)
			}
			if res.indexed {
				indexed.Add(1)
			}
			if res.exported {
				exported.Add(1)
			}
			if res.err != nil {
				failed.Add(1)
				logger.Error().Err(res.err).Str("role", t.Role).Str("thread_id", t.ThreadID).Msg("reconcile transcript failed")
				mu.Lock()
				errs = append(errs, res.err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Analyzed = int(analyzed.Load())
	report.Indexed = int(indexed.Load())
	report.Exported = int(exported.Load())
	report.Failed = int(failed.Load())
	report.Err = errors.Join(errs...)
	logger.Info().
		Int("analyzed", report.Analyzed).
		Int("indexed", report.Indexed).
		Int("failed", report.Failed).
		Dur("took", r.now().Sub(start)).
		Msg("reconcile cycle finished")
	return report, nil
}

type itemResult struct {
	analyzed, indexed, exported bool
	err                         error
}

func (r *Reconciler) process(ctx context.Context, t *models.Transcript, indexSync bool, existing map[string][]ai.Document) itemResult {
	var res itemResult
	var errs []error

	if err := r.analyze(ctx, t); err != nil {
		errs = append(errs, fmt.Errorf("analyze %s/%s: %w", t.Role, t.ThreadID, err))
	} else {
		res.analyzed = true
	}

	doc := models.ExportTranscript(t)
	if r.cfg.ExportDir != "" {
		if err := r.export(t, doc); err != nil {
			errs = append(errs, fmt.Errorf("export %s/%s: %w", t.Role, t.ThreadID, err))
		} else {
			res.exported = true
		}
	}
	if indexSync {
		if err := r.syncIndex(ctx, t, doc, existing); err != nil {
			errs = append(errs, fmt.Errorf("index %s/%s: %w", t.Role, t.ThreadID, err))
		} else {
			res.indexed = true
		}
	}
	res.err = errors.Join(errs...)
	return res
}

func (r *Reconciler) analyze(ctx context.Context, t *models.Transcript) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	userPrompt := fmt.Sprintf("Here is the transcript from %s:\n\n%s", t.Role, t.Body)
	analysis, err := r.completer.CompleteChat(ctx, r.cfg.SystemPrompt, userPrompt)
	if err != nil {
		return err
	}
	if _, err := r.store.UpsertAnalysis(ctx, t.ThreadID, t.Role, analysis); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("role", t.Role).Str("thread_id", t.ThreadID).Msg("analysis updated")
	return nil
}

// syncIndex deletes every document already stored under the key, then uploads the fresh copy.
func (r *Reconciler) syncIndex(ctx context.Context, t *models.Transcript, doc []byte, existing map[string][]ai.Document) error {
	key := models.DocumentKey(t.Role, t.ThreadID)
	name := documentName(key)
	for _, d := range existing[name] {
		if err := r.index.DeleteDocument(ctx, r.cfg.IndexID, d.ID); err != nil {
			return fmt.Errorf("delete %s: %w", d.ID, err)
		}
	}
	docID, err := r.index.UploadDocument(ctx, r.cfg.IndexID, name, doc)
	if err != nil {
		return err
	}
	return r.store.RecordIndexedDocument(ctx, models.IndexedDocument{
		Key:        key,
		IndexID:    r.cfg.IndexID,
		DocID:      docID,
		UploadedAt: r.now(),
	})
}

func (r *Reconciler) export(t *models.Transcript, doc []byte) error {
	if err := os.MkdirAll(r.cfg.ExportDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.cfg.ExportDir, documentName(models.DocumentKey(t.Role, t.ThreadID)))
	return os.WriteFile(path, doc, 0o644)
}

func documentName(key string) string {
	return key + ".md"
}
