package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mikuai/internal/models"
	"mikuai/internal/service/persona"
)

var (
	ErrBusy               = errors.New("session busy")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrBackendUnavailable = errors.New("ai backend unavailable")
	ErrSpeechUnavailable  = errors.New("speech backend unavailable")
	ErrStopped            = errors.New("session manager stopped")
)

// Store is the chat history the manager reads and writes.
type Store interface {
	CreateSession(ctx context.Context, name string) (*models.ChatSession, error)
	ListSessions(ctx context.Context) ([]models.ChatSession, error)
	GetSession(ctx context.Context, sessionID int64) (*models.ChatSession, error)
	GetMessages(ctx context.Context, sessionID int64) ([]*models.Message, error)
	AppendMessage(ctx context.Context, sessionID int64, sender models.Sender, body string) (*models.Message, error)
	RenameSession(ctx context.Context, sessionID int64, name string) error
	DeleteSession(ctx context.Context, sessionID int64) error
}

// Backend answers one prompt.
type Backend interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Primer is implemented by backends that accept a personality prompt.
type Primer interface {
	Prime(ctx context.Context, username string) error
}

// Recognizer captures and transcribes one utterance.
type Recognizer interface {
	Listen(ctx context.Context) (string, error)
}

// Listener receives notifications from the manager loop. Calls are made on
// the loop goroutine and must not block.
type Listener interface {
	OnAssistantMessage(sessionID int64, text string)
	OnBusy(sessionID int64)
	OnIdle(sessionID int64)
	OnVoiceResult(result models.VoiceResult)
}

type Options struct {
	Backend    Backend
	Recognizer Recognizer
	Listener   Listener
	Picker     *persona.Picker
	Logger     *zap.Logger
	// RequestTimeout bounds each backend call. Zero means no timeout.
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Manager owns the per-session request state machine. All store access and
// state transitions happen on a single loop goroutine; backend and speech
// calls run on worker goroutines and post their completions back to the loop.
type Manager struct {
	store      Store
	backend    Backend
	recognizer Recognizer
	listener   Listener
	picker     *persona.Picker
	logger     *zap.Logger
	timeout    time.Duration
	now        func() time.Time

	ops    chan func()
	stopCh chan struct{}
	done   chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}

	// owned by the loop
	sessions  *sessionTable
	listening bool
}

func NewManager(store Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Listener == nil {
		opts.Listener = nopListener{}
	}
	if opts.Picker == nil {
		opts.Picker = persona.NewPicker(time.Now().UnixNano())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		backend:    opts.Backend,
		recognizer: opts.Recognizer,
		listener:   opts.Listener,
		picker:     opts.Picker,
		logger:     opts.Logger,
		timeout:    opts.RequestTimeout,
		now:        opts.Now,
		ops:        make(chan func()),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
		started:    make(chan struct{}),
		sessions:   newSessionTable(),
	}
}

// Start launches the loop goroutine. Calling it more than once is a no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		close(m.started)
		go m.run()
	})
}

// Stop cancels in-flight requests, stops the loop and waits for workers to
// return or ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.stopCh)
	})

	select {
	case <-m.started:
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
	}

	waited := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			if n := m.sessions.cancelAll(); n > 0 {
				m.logger.Info("session manager stopped with requests in flight", zap.Int("requests", n))
			}
			return
		case op := <-m.ops:
			op()
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.ops <- task:
	case <-m.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands fn to the loop from a worker goroutine. It is dropped once the
// manager is stopping.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.stopCh:
	}
}

// Send records text as a User message and asks the backend for a reply.
// The reply arrives later through Listener.OnAssistantMessage.
func (m *Manager) Send(ctx context.Context, sessionID int64, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if m.backend == nil {
		return nil, ErrBackendUnavailable
	}
	var (
		msg *models.Message
		err error
	)
	if derr := m.do(ctx, func() { msg, err = m.handleSend(ctx, sessionID, text) }); derr != nil {
		return nil, derr
	}
	return msg, err
}

func (m *Manager) handleSend(ctx context.Context, sessionID int64, text string) (*models.Message, error) {
	if m.sessions.state(sessionID) == AwaitingResponse {
		return nil, ErrBusy
	}
	msg, err := m.store.AppendMessage(ctx, sessionID, models.SenderUser, text)
	if err != nil {
		return nil, err
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if m.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(m.baseCtx, m.timeout)
	} else {
		reqCtx, cancel = context.WithCancel(m.baseCtx)
	}
	req := &request{id: uuid.NewString(), sessionID: sessionID, cancel: cancel}
	m.sessions.begin(req)
	m.listener.OnBusy(sessionID)
	m.logger.Debug("request started", zap.String("request_id", req.id), zap.Int64("session_id", sessionID))

	m.workers.Add(1)
	go m.ask(reqCtx, req, text)
	return msg, nil
}

func (m *Manager) ask(ctx context.Context, req *request, prompt string) {
	defer m.workers.Done()
	defer req.cancel()
	raw, err := m.backend.Ask(ctx, prompt)
	m.post(func() { m.complete(req, raw, err) })
}

func (m *Manager) complete(req *request, raw string, askErr error) {
	if !m.sessions.finish(req) {
		return
	}
	log := m.logger.With(zap.String("request_id", req.id), zap.Int64("session_id", req.sessionID))

	var body string
	if askErr != nil {
		log.Warn("backend request failed", zap.Error(askErr))
		body = persona.Apology(askErr)
	} else {
		body = m.picker.Pick(raw)
	}

	if _, err := m.store.AppendMessage(m.baseCtx, req.sessionID, models.SenderAssistant, body); err != nil {
		if models.IsNotFound(err) {
			log.Info("session removed before reply arrived", zap.Error(err))
		} else {
			log.Error("store assistant reply", zap.Error(err))
		}
	} else {
		m.listener.OnAssistantMessage(req.sessionID, body)
	}
	m.listener.OnIdle(req.sessionID)
	log.Debug("request finished")
}

// State reports whether a request is in flight for sessionID.
func (m *Manager) State(ctx context.Context, sessionID int64) (SessionState, error) {
	var st SessionState
	if err := m.do(ctx, func() { st = m.sessions.state(sessionID) }); err != nil {
		return Idle, err
	}
	return st, nil
}

// CreateSession creates a session, naming it after the current time when name is blank.
func (m *Manager) CreateSession(ctx context.Context, name string) (*models.ChatSession, error) {
	if strings.TrimSpace(name) == "" {
		name = NewChatName(m.now())
	}
	var (
		session *models.ChatSession
		err     error
	)
	if derr := m.do(ctx, func() { session, err = m.store.CreateSession(ctx, name) }); derr != nil {
		return nil, derr
	}
	return session, err
}

func (m *Manager) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	var (
		sessions []models.ChatSession
		err      error
	)
	if derr := m.do(ctx, func() { sessions, err = m.store.ListSessions(ctx) }); derr != nil {
		return nil, derr
	}
	return sessions, err
}

// Session returns one session or a NotFoundError.
func (m *Manager) Session(ctx context.Context, sessionID int64) (*models.ChatSession, error) {
	var (
		session *models.ChatSession
		err     error
	)
	if derr := m.do(ctx, func() { session, err = m.store.GetSession(ctx, sessionID) }); derr != nil {
		return nil, derr
	}
	return session, err
}

func (m *Manager) Messages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	var (
		msgs []*models.Message
		err  error
	)
	if derr := m.do(ctx, func() { msgs, err = m.store.GetMessages(ctx, sessionID) }); derr != nil {
		return nil, derr
	}
	return msgs, err
}

func (m *Manager) RenameSession(ctx context.Context, sessionID int64, name string) error {
	var err error
	if derr := m.do(ctx, func() { err = m.store.RenameSession(ctx, sessionID, name) }); derr != nil {
		return derr
	}
	return err
}

// DeleteSession removes a session. A request still in flight for it completes
// later and its reply is dropped.
func (m *Manager) DeleteSession(ctx context.Context, sessionID int64) error {
	var err error
	if derr := m.do(ctx, func() { err = m.store.DeleteSession(ctx, sessionID) }); derr != nil {
		return derr
	}
	return err
}

// Bootstrap creates a first session when the store has none and returns the
// session the client should open.
func (m *Manager) Bootstrap(ctx context.Context) (*models.ChatSession, error) {
	var (
		session *models.ChatSession
		err     error
	)
	derr := m.do(ctx, func() {
		var sessions []models.ChatSession
		sessions, err = m.store.ListSessions(ctx)
		if err != nil {
			return
		}
		if len(sessions) > 0 {
			session = &sessions[0]
			return
		}
		session, err = m.store.CreateSession(ctx, NewChatName(m.now()))
		if err == nil {
			m.logger.Info("created first chat session", zap.Int64("session_id", session.ID), zap.String("name", session.Name))
		}
	})
	if derr != nil {
		return nil, derr
	}
	return session, err
}

// Prime sends the personality prompt when the backend supports it. Failures
// are logged and otherwise ignored.
func (m *Manager) Prime(ctx context.Context, username string) {
	primer, ok := m.backend.(Primer)
	if !ok {
		return
	}
	if err := primer.Prime(ctx, username); err != nil {
		m.logger.Debug("persona priming failed", zap.Error(err))
	}
}

// NewChatName is the name given to sessions created without one.
func NewChatName(now time.Time) string {
	return "Chat " + now.Format("2006-01-02 15:04")
}

type nopListener struct{}

func (nopListener) OnAssistantMessage(int64, string) {}
func (nopListener) OnBusy(int64)                     {}
func (nopListener) OnIdle(int64)                     {}
func (nopListener) OnVoiceResult(models.VoiceResult) {}
