// Package agent manages the pool of external LLM client subprocesses, one
// per session, and translates their wire protocol into canonical events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

const (
	askUserToolName = "AskUserQuestion"

	defaultInitTimeout     = 30 * time.Second
	defaultCleanupInterval = time.Minute
	defaultIdleTimeout     = 5 * time.Minute
	stopTimeout            = 5 * time.Second

	// turnBufferSize bounds unread CLI messages per turn; the translator
	// keeps up easily, the headroom covers bursts of streaming deltas.
	turnBufferSize = 1024

	// injectBufferSize bounds interaction events waiting to join the turn
	// stream (ask_user, permission_request and their results).
	injectBufferSize = 64

	// streamBufferSize bounds translated events not yet drained by the
	// task runner.
	streamBufferSize = 256
)

// ErrTurnActive is returned when a stream is requested for a session whose
// previous turn has not finished.
var ErrTurnActive = errors.New("session already has an active turn")

// Gate suspends a turn until a human answers a question or rules on a tool
// use. Implemented by interaction.Gate.
type Gate interface {
	RequestUserInput(ctx context.Context, sessionID, requestID string, questions any, timeout time.Duration) (map[string]any, error)
	RequestPermission(ctx context.Context, sessionID, requestID, toolName string, timeout time.Duration) bool
}

// EventSink receives events that could not be routed into an active turn
// stream. Implemented by task.Runner.
type EventSink interface {
	Append(sessionID string, ev *events.Event)
}

// TaskChecker reports whether a session currently has a running task; the
// idle sweep never closes those. Implemented by task.Runner.
type TaskChecker interface {
	IsRunning(sessionID string) bool
}

// wireClient is the slice of agentwire.Client the manager drives.
type wireClient interface {
	SetMessageHandler(agentwire.MessageHandler)
	SetRequestHandler(agentwire.RequestHandler)
	Initialize(ctx context.Context, timeout time.Duration) (*agentwire.InitializeResponseData, error)
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SendUserMessage(text string) error
	Stop()
	Done() <-chan struct{}
}

// wireProcess is the slice of agentwire.Process the manager drives.
type wireProcess interface {
	Stop(timeout time.Duration) error
	StderrTail() string
}

// Spawner launches one agent subprocess and attaches a protocol client.
// Swappable so tests can run turns against a scripted client.
type Spawner func(ctx context.Context, opts agentwire.ProcessOptions, log *logger.Logger) (wireProcess, wireClient, error)

func defaultSpawner(ctx context.Context, opts agentwire.ProcessOptions, log *logger.Logger) (wireProcess, wireClient, error) {
	proc, client, err := agentwire.Spawn(ctx, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return proc, client, nil
}

// StartRequest carries everything needed to bind a session to an agent
// client: the resolved endpoint and model, the permission mode, and the
// resume token that carries provider-side context across client swaps.
type StartRequest struct {
	SessionID    string
	EndpointName string
	Endpoint     *agentwire.Endpoint
	ModelName    string
	SecurityMode string
	ResumeToken  string
	WorkDir      string

	MaxOutputTokens   int
	MaxThinkingTokens int

	// RequestHandler overrides the manager's can_use_tool routing when set.
	RequestHandler agentwire.RequestHandler
}

// activeTurn is the channel pair feeding one in-flight turn: raw CLI
// messages from the client's read loop, plus interaction events injected
// mid-turn so they appear in stream order.
type activeTurn struct {
	msgs     chan *agentwire.CLIMessage
	injected chan *events.Event
}

// ManagedSession binds one session to one agent subprocess. The client is
// started lazily on the first streamed message and survives across turns
// until the endpoint or model changes, the session is closed, or the idle
// sweep reclaims it.
type ManagedSession struct {
	sessionID    string
	endpointName string
	modelName    string

	endpoint          *agentwire.Endpoint
	workDir           string
	maxOutputTokens   int
	maxThinkingTokens int
	requestHandler    agentwire.RequestHandler

	// startMu serializes subprocess startup. The field lock mu is never
	// held across the initialize round-trip: the client's read loop takes
	// it to capture init metadata, and blocking that loop would stall the
	// very response the round-trip waits for.
	startMu sync.Mutex

	mu             sync.Mutex
	client         wireClient
	process        wireProcess
	started        bool
	securityMode   string // mode active on the running client
	requestedMode  string // mode the latest request asked for
	resumeToken    string
	agentSessionID string
	slashCommands  []string
	lastActivity   time.Time
	turn           *activeTurn
}

// SessionID returns the owning session's id.
func (s *ManagedSession) SessionID() string { return s.sessionID }

// EndpointName returns the endpoint this client was bound to.
func (s *ManagedSession) EndpointName() string { return s.endpointName }

// ModelName returns the model this client was bound to.
func (s *ManagedSession) ModelName() string { return s.modelName }

// AgentSessionID returns the agent-side session id captured from the init
// message, or the resume token the session was created with.
func (s *ManagedSession) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentSessionID != "" {
		return s.agentSessionID
	}
	return s.resumeToken
}

// SlashCommands returns the commands the agent advertised at initialize.
func (s *ManagedSession) SlashCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.slashCommands))
	copy(out, s.slashCommands)
	return out
}

// Started reports whether the subprocess is up.
func (s *ManagedSession) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// LastActivity returns the time of the last turn or request.
func (s *ManagedSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *ManagedSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *ManagedSession) currentTurn() *activeTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// clearTurn detaches the given turn if it is still the active one.
func (s *ManagedSession) clearTurn(turn *activeTurn) {
	s.mu.Lock()
	if s.turn == turn {
		s.turn = nil
	}
	s.mu.Unlock()
}

// markStopped flags the subprocess as gone so the next turn respawns it.
// The agent session id survives, so the respawn resumes where it left off.
func (s *ManagedSession) markStopped() {
	s.mu.Lock()
	s.client = nil
	s.process = nil
	s.started = false
	s.mu.Unlock()
}

// handleMessage is the persistent message handler for this session's
// client. Init metadata is captured even between turns; everything else is
// forwarded to the active turn or dropped.
func (s *ManagedSession) handleMessage(log *logger.Logger) agentwire.MessageHandler {
	return func(msg *agentwire.CLIMessage) {
		if msg.Type == agentwire.MessageTypeSystem && msg.Subtype == agentwire.SubtypeInit {
			s.mu.Lock()
			if msg.SessionID != "" {
				s.agentSessionID = msg.SessionID
			}
			if len(msg.SlashCommands) > 0 {
				s.slashCommands = msg.SlashCommands
			}
			s.mu.Unlock()
		}

		// Transcript replays after --resume would duplicate events the
		// buffer already holds.
		if msg.IsReplay {
			return
		}

		turn := s.currentTurn()
		if turn == nil {
			return
		}
		select {
		case turn.msgs <- msg:
		default:
			log.Warn("turn buffer full, dropping agent message",
				zap.String("session_id", s.sessionID),
				zap.String("message_type", msg.Type))
		}
	}
}

// close stops the client and the subprocess.
func (s *ManagedSession) close(timeout time.Duration) {
	s.mu.Lock()
	client, proc := s.client, s.process
	s.client = nil
	s.process = nil
	s.started = false
	s.turn = nil
	s.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if proc != nil {
		_ = proc.Stop(timeout)
	}
}

// Manager owns all managed sessions. The gate and the fallback sink are
// wired with setters because the runner and the gate both reference the
// manager in turn.
type Manager struct {
	cfg   config.AgentConfig
	log   *logger.Logger
	spawn Spawner

	mu       sync.Mutex
	sessions map[string]*ManagedSession

	depMu sync.RWMutex
	gate  Gate
	sink  EventSink
	tasks TaskChecker
}

// NewManager returns a manager with no sessions. Wire the gate, the event
// sink, and the task checker before serving traffic.
func NewManager(cfg config.AgentConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "agent-manager")),
		spawn:    defaultSpawner,
		sessions: make(map[string]*ManagedSession),
	}
}

// SetGate wires the interaction gate used for can_use_tool routing.
func (m *Manager) SetGate(g Gate) {
	m.depMu.Lock()
	m.gate = g
	m.depMu.Unlock()
}

// SetEventSink wires the fallback sink for events raised outside a turn.
func (m *Manager) SetEventSink(s EventSink) {
	m.depMu.Lock()
	m.sink = s
	m.depMu.Unlock()
}

// SetTaskChecker wires the runner so the idle sweep skips busy sessions.
func (m *Manager) SetTaskChecker(t TaskChecker) {
	m.depMu.Lock()
	m.tasks = t
	m.depMu.Unlock()
}

// SetSpawner replaces the subprocess launcher.
func (m *Manager) SetSpawner(s Spawner) {
	if s != nil {
		m.spawn = s
	}
}

func (m *Manager) gateRef() Gate {
	m.depMu.RLock()
	defer m.depMu.RUnlock()
	return m.gate
}

func (m *Manager) sinkRef() EventSink {
	m.depMu.RLock()
	defer m.depMu.RUnlock()
	return m.sink
}

func (m *Manager) tasksRef() TaskChecker {
	m.depMu.RLock()
	defer m.depMu.RUnlock()
	return m.tasks
}

// Get returns the managed session for the id, or nil.
func (m *Manager) Get(sessionID string) *ManagedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Len returns the number of managed sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// GetOrCreate returns the session's managed client, reusing the cached one
// only when both the endpoint and the model still match. On a mismatch the
// old client is closed and a fresh one is registered, inheriting the agent
// session id so provider-side context carries across the swap. The
// subprocess itself starts lazily on the first streamed message.
func (m *Manager) GetOrCreate(ctx context.Context, req StartRequest) (*ManagedSession, error) {
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}

	var replaced *ManagedSession

	m.mu.Lock()
	if existing := m.sessions[req.SessionID]; existing != nil {
		if existing.endpointName == req.EndpointName && existing.modelName == req.ModelName {
			existing.mu.Lock()
			existing.requestedMode = req.SecurityMode
			existing.lastActivity = time.Now()
			existing.mu.Unlock()
			m.mu.Unlock()
			return existing, nil
		}

		if token := existing.AgentSessionID(); token != "" {
			req.ResumeToken = token
		}
		m.log.Info("agent config changed, recreating client",
			zap.String("session_id", req.SessionID),
			zap.String("endpoint", req.EndpointName),
			zap.String("model", req.ModelName))
		replaced = existing
		delete(m.sessions, req.SessionID)
	}

	ms := &ManagedSession{
		sessionID:         req.SessionID,
		endpointName:      req.EndpointName,
		modelName:         req.ModelName,
		endpoint:          req.Endpoint,
		workDir:           req.WorkDir,
		maxOutputTokens:   req.MaxOutputTokens,
		maxThinkingTokens: req.MaxThinkingTokens,
		requestHandler:    req.RequestHandler,
		requestedMode:     req.SecurityMode,
		resumeToken:       req.ResumeToken,
		lastActivity:      time.Now(),
	}
	m.sessions[req.SessionID] = ms
	m.mu.Unlock()

	if replaced != nil {
		replaced.close(stopTimeout)
	}
	return ms, nil
}

// ensureStarted spawns the subprocess and completes the initialize
// handshake. Safe to call on every turn; it is a no-op once started.
func (m *Manager) ensureStarted(ctx context.Context, ms *ManagedSession) error {
	ms.startMu.Lock()
	defer ms.startMu.Unlock()

	ms.mu.Lock()
	if ms.started {
		ms.mu.Unlock()
		return nil
	}
	resume := ms.agentSessionID
	if resume == "" {
		resume = ms.resumeToken
	}
	mode := ms.requestedMode
	opts := agentwire.ProcessOptions{
		Binary:                 m.cfg.Binary,
		ExtraArgs:              m.cfg.Args,
		WorkDir:                ms.workDir,
		Model:                  ms.modelName,
		PermissionMode:         mode,
		Resume:                 resume,
		MaxTurns:               m.cfg.MaxTurns,
		DisallowedTools:        m.cfg.DisallowedTools,
		IncludePartialMessages: m.cfg.IncludePartialMessages,
		Endpoint:               ms.endpoint,
		MaxOutputTokens:        ms.maxOutputTokens,
		MaxThinkingTokens:      ms.maxThinkingTokens,
	}
	ms.mu.Unlock()

	proc, client, err := m.spawn(ctx, opts, m.log)
	if err != nil {
		return fmt.Errorf("start agent client: %w", err)
	}

	client.SetMessageHandler(ms.handleMessage(m.log))
	handler := ms.requestHandler
	if handler == nil {
		handler = m.controlHandler(ms.sessionID)
	}
	client.SetRequestHandler(handler)

	initTimeout := m.cfg.InitTimeoutDuration()
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	init, err := client.Initialize(ctx, initTimeout)
	if err != nil {
		client.Stop()
		if proc != nil {
			_ = proc.Stop(stopTimeout)
		}
		return fmt.Errorf("initialize agent client: %w", err)
	}

	ms.mu.Lock()
	if init != nil && len(init.Commands) > 0 {
		cmds := make([]string, 0, len(init.Commands))
		for _, c := range init.Commands {
			cmds = append(cmds, c.Name)
		}
		ms.slashCommands = cmds
	}
	ms.client = client
	ms.process = proc
	ms.started = true
	ms.securityMode = mode
	ms.mu.Unlock()

	m.log.Info("agent client started",
		zap.String("session_id", ms.sessionID),
		zap.String("model", ms.modelName),
		zap.String("endpoint", ms.endpointName),
		zap.Bool("resumed", resume != ""))
	return nil
}

// Stream sends one user message and returns the channel of translated
// events for the turn. The channel closes after the terminal done or error
// event; a cancelled context closes it without one.
func (m *Manager) Stream(ctx context.Context, sessionID, text string) (<-chan *events.Event, error) {
	ms := m.Get(sessionID)
	if ms == nil {
		return singleErrorStream("Session not initialized", "session_not_initialized"), nil
	}

	if err := m.ensureStarted(ctx, ms); err != nil {
		m.log.WithError(err).Error("agent client failed to start",
			zap.String("session_id", sessionID))
		m.evict(sessionID, ms)
		return singleErrorStream(fmt.Sprintf("Failed to start agent client: %v", err), "start_failure"), nil
	}

	ms.mu.Lock()
	client := ms.client
	requested, active := ms.requestedMode, ms.securityMode
	ms.mu.Unlock()

	if requested != "" && requested != active {
		if err := client.SetPermissionMode(ctx, requested); err != nil {
			m.log.WithError(err).Warn("failed to update permission mode",
				zap.String("session_id", sessionID),
				zap.String("mode", requested))
		} else {
			ms.mu.Lock()
			ms.securityMode = requested
			ms.mu.Unlock()
		}
	}

	turn := &activeTurn{
		msgs:     make(chan *agentwire.CLIMessage, turnBufferSize),
		injected: make(chan *events.Event, injectBufferSize),
	}
	ms.mu.Lock()
	if ms.turn != nil {
		ms.mu.Unlock()
		return nil, ErrTurnActive
	}
	ms.turn = turn
	ms.lastActivity = time.Now()
	ms.mu.Unlock()

	out := make(chan *events.Event, streamBufferSize)

	if err := client.SendUserMessage(text); err != nil {
		ms.clearTurn(turn)
		m.log.WithError(err).Error("failed to send user message",
			zap.String("session_id", sessionID))
		return singleErrorStream(fmt.Sprintf("Failed to send message to agent: %v", err), "stream_error"), nil
	}

	go m.runTurn(ctx, ms, turn, client, out)
	return out, nil
}

// runTurn drains the turn's channels through the translator until the
// result message, the client dying, or the context ending.
func (m *Manager) runTurn(ctx context.Context, ms *ManagedSession, turn *activeTurn, client wireClient, out chan *events.Event) {
	tr := newTurnTranslator(m.cfg.IncludePartialMessages, m.log)

	defer close(out)
	defer ms.touch()
	defer ms.clearTurn(turn)

	emit := func(ev *events.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("stream translation panicked",
				zap.String("session_id", ms.sessionID),
				zap.Any("panic", r))
			emit(events.NewError(fmt.Sprintf("Stream translation failed: %v", r), "stream_error"))
		}
	}()

	for {
		select {
		case msg := <-turn.msgs:
			evs, finished := tr.Translate(msg)
			for _, ev := range evs {
				if !emit(ev) {
					return
				}
			}
			if finished {
				if !tr.failed {
					emit(tr.doneEvent())
				}
				return
			}

		case ev := <-turn.injected:
			if !emit(ev) {
				return
			}

		case <-client.Done():
			text := "Agent process exited unexpectedly"
			if tail := m.stderrTail(ms); tail != "" {
				text = text + ": " + tail
			}
			ms.markStopped()
			m.log.Error("agent client closed mid-turn",
				zap.String("session_id", ms.sessionID))
			emit(events.NewError(text, "stream_error"))
			return

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) stderrTail(ms *ManagedSession) string {
	ms.mu.Lock()
	proc := ms.process
	ms.mu.Unlock()
	if proc == nil {
		return ""
	}
	return proc.StderrTail()
}

// Append routes an interaction event into the session's active turn so it
// lands in stream order; with no turn running it falls back to the sink.
// This makes the manager the gate's event sink.
func (m *Manager) Append(sessionID string, ev *events.Event) {
	if ms := m.Get(sessionID); ms != nil {
		if turn := ms.currentTurn(); turn != nil {
			select {
			case turn.injected <- ev:
				return
			default:
				m.log.Warn("interaction buffer full",
					zap.String("session_id", sessionID),
					zap.String("event_type", ev.Type))
			}
		}
	}
	if sink := m.sinkRef(); sink != nil {
		sink.Append(sessionID, ev)
		return
	}
	m.log.Warn("dropping event, no sink wired",
		zap.String("session_id", sessionID),
		zap.String("event_type", ev.Type))
}

// controlHandler routes can_use_tool requests: the ask-user tool suspends
// the turn on the gate for answers, every other tool suspends it for a
// yes/no permission.
func (m *Manager) controlHandler(sessionID string) agentwire.RequestHandler {
	return func(req *agentwire.ControlRequest, requestID string) (*agentwire.ControlResponse, error) {
		if req == nil || req.Subtype != agentwire.SubtypeCanUseTool {
			subtype := ""
			if req != nil {
				subtype = req.Subtype
			}
			return nil, fmt.Errorf("unsupported control request subtype %q", subtype)
		}

		// The turn is suspended while the CLI waits for this response, so
		// the wait must not be bound to any single HTTP request.
		ctx := context.Background()
		if req.ToolName == askUserToolName {
			return m.resolveAskUser(ctx, sessionID, requestID, req), nil
		}
		return m.resolvePermission(ctx, sessionID, requestID, req), nil
	}
}

func (m *Manager) resolveAskUser(ctx context.Context, sessionID, requestID string, req *agentwire.ControlRequest) *agentwire.ControlResponse {
	gate := m.gateRef()
	if gate == nil {
		return denyResponse("User did not provide an answer")
	}

	var questions any
	if req.Input != nil {
		questions = req.Input["questions"]
	}
	answers, err := gate.RequestUserInput(ctx, sessionID, requestID, questions, 0)
	if err != nil || answers == nil {
		return denyResponse("User did not provide an answer")
	}
	return allowResponse(map[string]any{
		"questions": questions,
		"answers":   answers,
	})
}

func (m *Manager) resolvePermission(ctx context.Context, sessionID, requestID string, req *agentwire.ControlRequest) *agentwire.ControlResponse {
	gate := m.gateRef()
	if gate == nil {
		m.log.Error("no gate wired for permission request",
			zap.String("session_id", sessionID),
			zap.String("tool_name", req.ToolName))
		return denyResponse("Failed to request permission from user")
	}

	m.Append(sessionID, events.New(events.TypePermissionRequest, map[string]any{
		"request_id": requestID,
		"tool_name":  req.ToolName,
		"input":      req.Input,
	}))

	if gate.RequestPermission(ctx, sessionID, requestID, req.ToolName, 0) {
		return allowResponse(req.Input)
	}
	return denyResponse(fmt.Sprintf("User denied permission for %s", req.ToolName))
}

func allowResponse(updatedInput any) *agentwire.ControlResponse {
	return &agentwire.ControlResponse{
		Subtype: "success",
		Result: &agentwire.PermissionResult{
			Behavior:     agentwire.BehaviorAllow,
			UpdatedInput: updatedInput,
		},
	}
}

func denyResponse(message string) *agentwire.ControlResponse {
	return &agentwire.ControlResponse{
		Subtype: "success",
		Result: &agentwire.PermissionResult{
			Behavior: agentwire.BehaviorDeny,
			Message:  message,
		},
	}
}

// Interrupt sends the native interrupt control request to the session's
// running client. Returns false when there is nothing to interrupt.
func (m *Manager) Interrupt(ctx context.Context, sessionID string) bool {
	ms := m.Get(sessionID)
	if ms == nil {
		return false
	}
	ms.mu.Lock()
	client, started := ms.client, ms.started
	ms.mu.Unlock()
	if !started || client == nil {
		return false
	}

	if err := client.Interrupt(ctx); err != nil {
		m.log.WithError(err).Warn("agent interrupt failed",
			zap.String("session_id", sessionID))
		return false
	}
	return true
}

// Close stops and forgets the session's client.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ms != nil {
		ms.close(stopTimeout)
		m.log.Info("agent session closed", zap.String("session_id", sessionID))
	}
}

// CloseAll stops every client. Called on shutdown. Sessions close in
// parallel so the wait is bounded by the slowest subprocess, not the sum.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*ManagedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.sessions = make(map[string]*ManagedSession)
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, ms := range all {
		g.Go(func() error {
			ms.close(stopTimeout)
			return nil
		})
	}
	_ = g.Wait()
}

// evict removes the session only if it is still the registered one.
func (m *Manager) evict(sessionID string, ms *ManagedSession) {
	m.mu.Lock()
	if m.sessions[sessionID] == ms {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
}

// StartCleanup launches the idle sweep. It stops when ctx ends.
func (m *Manager) StartCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle(idleTimeout)
			}
		}
	}()
}

// sweepIdle closes sessions idle past the cutoff, skipping any with a
// running task or an in-flight turn. Returns how many were closed.
func (m *Manager) sweepIdle(idleTimeout time.Duration) int {
	now := time.Now()
	tasks := m.tasksRef()

	m.mu.Lock()
	var victims []*ManagedSession
	for id, ms := range m.sessions {
		if tasks != nil && tasks.IsRunning(id) {
			continue
		}
		ms.mu.Lock()
		idle := ms.turn == nil && now.Sub(ms.lastActivity) >= idleTimeout
		ms.mu.Unlock()
		if idle {
			victims = append(victims, ms)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, ms := range victims {
		ms.close(stopTimeout)
		m.log.Info("closed idle agent session",
			zap.String("session_id", ms.sessionID))
	}
	return len(victims)
}

// singleErrorStream returns a closed channel carrying one error event.
func singleErrorStream(text, errType string) <-chan *events.Event {
	out := make(chan *events.Event, 1)
	out <- events.NewError(text, errType)
	close(out)
	return out
}
