package worker

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"rolechat/internal/logging"
	"rolechat/internal/models"
	"rolechat/internal/redis"
	"rolechat/internal/run"
)

const queueLen = 16

var rolePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Gateway is the remote conversation surface used by the chat flow.
type Gateway interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, role, text string) error
	StartRun(ctx context.Context, threadID string) (string, error)
	run.Poller
}

// Store is the durable side of the chat flow.
type Store interface {
	AppendMessage(ctx context.Context, threadID, role string, sender models.Sender, body string) (*models.Message, error)
	LatestSystemEvent(ctx context.Context, role string) (*models.Message, error)
	UpsertTranscript(ctx context.Context, threadID, role string) (*models.Transcript, bool, error)
	FinalizeTranscript(ctx context.Context, threadID, role string) (*models.Transcript, error)
}

// Reply is a completed exchange.
type Reply struct {
	ThreadID  string          `json:"thread_id"`
	Text      string          `json:"reply"`
	User      *models.Message `json:"-"`
	Assistant *models.Message `json:"-"`
	Polls     int             `json:"-"`
}

// Options tune the manager.
type Options struct {
	QueueSize   int
	RoleAllowed func(role string) bool
	Redis       *redis.Client
}

// Manager runs one worker goroutine per role; every operation for a role
// executes on that goroutine, in arrival order.
type Manager struct {
	store     Store
	gateway   Gateway
	driver    *run.Driver
	registry  *Registry
	queueSize int
	allow     func(string) bool

	mu      sync.Mutex
	workers map[string]*roleWorker
	closed  bool
	wg      sync.WaitGroup

	stopListener context.CancelFunc
	listenerDone <-chan struct{}
}

type roleWorker struct {
	tasks  chan job
	stopCh chan struct{}
}

type jobKind int

const (
	jobStart jobKind = iota
	jobChat
	jobEnd
)

type job struct {
	kind     jobKind
	ctx      context.Context
	role     string
	text     string
	threadID string
	resultCh chan workerReturn
}

type workerReturn struct {
	session    *models.Session
	created    bool
	reply      *Reply
	transcript *models.Transcript
	err        error
}

// NewManager wires the chat flow. Call Close to stop the role workers.
func NewManager(store Store, gateway Gateway, driver *run.Driver, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = queueLen
	}
	if opts.RoleAllowed == nil {
		opts.RoleAllowed = func(string) bool { return true }
	}
	cache := newStateCache(opts.Redis)
	m := &Manager{
		store:     store,
		gateway:   gateway,
		driver:    driver,
		registry:  newRegistry(store, gateway, cache),
		queueSize: opts.QueueSize,
		allow:     opts.RoleAllowed,
		workers:   make(map[string]*roleWorker),
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopListener = cancel
	m.listenerDone = cache.startListener(ctx, m.registry.handleBound)
	return m
}

// StartSession returns the thread bound to role, creating one if needed.
func (m *Manager) StartSession(ctx context.Context, role string) (*models.Session, bool, error) {
	role, err := m.validateRole(role)
	if err != nil {
		return nil, false, err
	}
	ret, err := m.submit(ctx, job{kind: jobStart, role: role})
	if err != nil {
		return nil, false, err
	}
	return ret.session, ret.created, ret.err
}

// SendMessage records text, relays it to the role's thread and waits for the reply.
// Failures after the user message was stored are reported as *ChatError with Recorded set.
func (m *Manager) SendMessage(ctx context.Context, role, text string) (*Reply, error) {
	role, err := m.validateRole(role)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, validationError("message is required")
	}
	ret, err := m.submit(ctx, job{kind: jobChat, role: role, text: text})
	if err != nil {
		return nil, err
	}
	return ret.reply, ret.err
}

// EndSession writes the end marker and finalizes the transcript of the role's
// bound thread. threadID is optional; when given it must name the bound thread.
// The binding itself survives, later messages continue on the same thread.
func (m *Manager) EndSession(ctx context.Context, role, threadID string) (*models.Transcript, error) {
	role, err := m.validateRole(role)
	if err != nil {
		return nil, err
	}
	ret, err := m.submit(ctx, job{kind: jobEnd, role: role, threadID: strings.TrimSpace(threadID)})
	if err != nil {
		return nil, err
	}
	return ret.transcript, ret.err
}

// CurrentSession reports the binding for role without creating one.
func (m *Manager) CurrentSession(ctx context.Context, role string) (*models.Session, error) {
	role, err := m.validateRole(role)
	if err != nil {
		return nil, err
	}
	return m.registry.Lookup(ctx, role)
}

// Close stops every role worker and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for role, w := range m.workers {
		close(w.stopCh)
		delete(m.workers, role)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.stopListener()
	<-m.listenerDone
	m.registry.state.reset()
}

func (m *Manager) validateRole(role string) (string, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return "", validationError("role is required")
	}
	if !rolePattern.MatchString(role) {
		return "", validationError("invalid role %q", role)
	}
	if !m.allow(role) {
		return "", validationError("role %q is not configured", role)
	}
	return role, nil
}

func (m *Manager) submit(ctx context.Context, j job) (workerReturn, error) {
	j.ctx = ctx
	j.resultCh = make(chan workerReturn, 1)
	if err := m.enqueue(j); err != nil {
		return workerReturn{}, err
	}

	select {
	case ret := <-j.resultCh:
		return ret, nil
	case <-ctx.Done():
		return workerReturn{}, ctx.Err()
	}
}

// enqueue hands j to the role's worker, starting it on first use.
func (m *Manager) enqueue(j job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	w, ok := m.workers[j.role]
	if !ok {
		w = &roleWorker{
			tasks:  make(chan job, m.queueSize),
			stopCh: make(chan struct{}),
		}
		m.workers[j.role] = w
		m.wg.Add(1)
		go m.runWorker(j.role, w)
	}
	select {
	case w.tasks <- j:
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (m *Manager) runWorker(role string, w *roleWorker) {
	defer m.wg.Done()
	debugLog("worker for role %s started", role)
	for {
		select {
		case <-w.stopCh:
			w.drain()
			debugLog("worker for role %s stopped", role)
			return
		case j := <-w.tasks:
			// the caller gave up while the job was queued
			if j.ctx.Err() != nil {
				j.resultCh <- workerReturn{err: j.ctx.Err()}
				continue
			}
			switch j.kind {
			case jobStart:
				j.resultCh <- m.handleStart(j)
			case jobChat:
				j.resultCh <- m.handleChat(j)
			case jobEnd:
				j.resultCh <- m.handleEnd(j)
			}
		}
	}
}

func (w *roleWorker) drain() {
	for {
		select {
		case j := <-w.tasks:
			j.resultCh <- workerReturn{err: ErrClosed}
		default:
			return
		}
	}
}

func (m *Manager) handleStart(j job) workerReturn {
	se, created, err := m.registry.Resolve(j.ctx, j.role)
	return workerReturn{session: se, created: created, err: err}
}

func (m *Manager) handleChat(j job) workerReturn {
	ctx := j.ctx
	se, err := m.registry.Lookup(ctx, j.role)
	if err != nil {
		return workerReturn{err: &ChatError{Stage: StageSession, Err: err}}
	}
	if se == nil {
		return workerReturn{err: ErrNoActiveSession}
	}
	threadID := se.ThreadID
	// gateway and driver log through ctx with the same fields
	ctx = logging.WithFields(ctx, map[string]interface{}{"role": j.role, "thread_id": threadID})
	logger := zerolog.Ctx(ctx)

	userMsg, err := m.store.AppendMessage(ctx, threadID, j.role, models.SenderUser, j.text)
	if err != nil {
		return workerReturn{err: &ChatError{Stage: StageStore, Err: err}}
	}
	fail := func(stage string, err error) workerReturn {
		logger.Warn().Err(err).Str("stage", stage).Msg("chat failed after message was recorded")
		return workerReturn{err: &ChatError{Stage: stage, Recorded: true, Err: err}}
	}

	debugLog("posting message for role %s on thread %s", j.role, threadID)
	if err := m.gateway.PostMessage(ctx, threadID, j.role, j.text); err != nil {
		return fail(StagePost, err)
	}
	runID, err := m.gateway.StartRun(ctx, threadID)
	if err != nil {
		return fail(StageRun, err)
	}
	out, err := m.driver.Drive(ctx, threadID, runID)
	if err != nil {
		return fail(StageReply, err)
	}

	asstMsg, err := m.store.AppendMessage(ctx, threadID, j.role, models.SenderAssistant, out.Reply)
	if err != nil {
		return fail(StageStore, err)
	}
	if _, _, err := m.store.UpsertTranscript(ctx, threadID, j.role); err != nil {
		return fail(StageTranscript, err)
	}
	logger.Info().Int("polls", out.Polls).Msg("chat exchange completed")
	return workerReturn{reply: &Reply{
		ThreadID:  threadID,
		Text:      out.Reply,
		User:      userMsg,
		Assistant: asstMsg,
		Polls:     out.Polls,
	}}
}

func (m *Manager) handleEnd(j job) workerReturn {
	ctx := j.ctx
	se, err := m.registry.Lookup(ctx, j.role)
	if err != nil {
		return workerReturn{err: err}
	}
	if se == nil {
		return workerReturn{err: ErrNoActiveSession}
	}
	if j.threadID != "" && j.threadID != se.ThreadID {
		return workerReturn{err: validationError("thread_id is not the conversation bound to this role")}
	}
	t, err := m.store.FinalizeTranscript(ctx, se.ThreadID, j.role)
	if err != nil {
		return workerReturn{err: err}
	}
	zerolog.Ctx(ctx).Info().Str("role", j.role).Str("thread_id", se.ThreadID).Msg("session ended")
	return workerReturn{transcript: t}
}
