// Package gateway exposes the runtime over HTTP: a WebSocket multiplexer
// for live event streams and a REST surface for session, task, and settings
// management. The service type below is the seam between transport and the
// session/task/agent internals.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/agent"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
	"github.com/wheelhouse-ai/wheelhouse/internal/interaction"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
	"github.com/wheelhouse-ai/wheelhouse/internal/settings"
	"github.com/wheelhouse-ai/wheelhouse/internal/task"
	"github.com/wheelhouse-ai/wheelhouse/internal/telemetry"
	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

// legacyEndpointName is stamped on sessions whose turn ran without a
// resolvable endpoint record.
const legacyEndpointName = "(legacy)"

// QueryRequest is one user turn: the message plus optional session and
// agent configuration overrides. Empty names fall back to catalog defaults.
type QueryRequest struct {
	SessionID    string
	Content      string
	EndpointName string
	ModelName    string
	SecurityMode string
	WorkDir      string
}

// QueryResult reports where the turn landed. SessionID is definitive: it
// differs from the request when the session had to be created.
type QueryResult struct {
	SessionID string
	TaskID    string
}

// Service coordinates one query turn across the stores, the agent manager,
// and the task runner, and fronts the narrower operations (subscribe,
// interrupt, interaction responses) the transports share.
type Service struct {
	store   *session.Store
	runner  *task.Runner
	manager *agent.Manager
	gate    *interaction.Gate
	catalog *settings.Repository
	bus     bus.EventBus
	log     *logger.Logger
}

// NewService wires the query service over its collaborators. eventBus may be
// nil; lifecycle publishing is then skipped.
func NewService(store *session.Store, runner *task.Runner, manager *agent.Manager, gate *interaction.Gate, catalog *settings.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:   store,
		runner:  runner,
		manager: manager,
		gate:    gate,
		catalog: catalog,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "gateway")),
	}
}

// StartQuery resolves the session, persists the user message, prepares the
// agent client, and starts the background task whose producer streams the
// turn. Returns task.ErrTaskAlreadyRunning when the session is busy.
func (s *Service) StartQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	ctx, span := telemetry.Tracer("gateway").Start(ctx, "gateway.start_query")
	defer span.End()

	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	if req.SessionID != "" && s.runner.IsRunning(req.SessionID) {
		return nil, task.ErrTaskAlreadyRunning
	}

	sess, err := s.resolveSession(req.SessionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendMessage(sess.ID, session.NewMessage(session.RoleUser, req.Content)); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	endpoint, model, err := s.catalog.Resolve(ctx, req.EndpointName, req.ModelName)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint and model: %w", err)
	}

	resume := ""
	if sess.AgentSessionID != nil {
		resume = *sess.AgentSessionID
	}

	if _, err := s.manager.GetOrCreate(ctx, agent.StartRequest{
		SessionID:    sess.ID,
		EndpointName: endpoint.Name,
		Endpoint: &agentwire.Endpoint{
			Name:     endpoint.Name,
			BaseURL:  endpoint.BaseURL,
			APIKey:   endpoint.APIKey,
			Provider: endpoint.Provider,
		},
		ModelName:         model.Name,
		SecurityMode:      req.SecurityMode,
		ResumeToken:       resume,
		WorkDir:           req.WorkDir,
		MaxOutputTokens:   model.MaxTokens,
		MaxThinkingTokens: model.MaxThinkingTokens,
	}); err != nil {
		return nil, fmt.Errorf("prepare agent session: %w", err)
	}

	producer := s.turnProducer(sess.ID, req.Content, turnSettings{
		endpointName: endpoint.Name,
		modelName:    model.Name,
		securityMode: req.SecurityMode,
	})
	exec, err := s.runner.StartTask(ctx, sess.ID, req.Content, producer)
	if err != nil {
		return nil, err
	}

	s.log.Info("query started",
		zap.String("session_id", sess.ID),
		zap.String("task_id", exec.TaskID),
		zap.String("endpoint", endpoint.Name),
		zap.String("model", model.Name))
	return &QueryResult{SessionID: sess.ID, TaskID: exec.TaskID}, nil
}

// resolveSession loads the session or creates a fresh one. An unknown id is
// not an error for queries: clients restored from stale state still get a
// working session, and the reply carries the definitive id.
func (s *Service) resolveSession(id string) (*session.Session, error) {
	if id != "" {
		sess, err := s.store.Get(id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, err
		}
		s.log.Warn("query names an unknown session, creating a new one",
			zap.String("session_id", id))
	}
	return s.CreateSession("")
}

// CreateSession stores a new session and announces it on the bus.
func (s *Service) CreateSession(title string) (*session.Session, error) {
	sess, err := s.store.Create(title)
	if err != nil {
		return nil, err
	}
	s.publishLifecycle(events.SessionCreated, sess.ID)
	return sess, nil
}

// turnSettings is the configuration snapshot stamped on the session when
// its turn finishes.
type turnSettings struct {
	endpointName string
	modelName    string
	securityMode string
}

// turnProducer builds the task producer for one turn: it opens the manager
// stream and tees every event through a transcript builder so the assistant
// message and the agent-side resume token are persisted as the turn runs.
func (s *Service) turnProducer(sessionID, text string, cfg turnSettings) task.Producer {
	return func(ctx context.Context) (<-chan *events.Event, error) {
		stream, err := s.manager.Stream(ctx, sessionID, text)
		if err != nil {
			return nil, err
		}

		out := make(chan *events.Event, 1)
		go func() {
			defer close(out)
			builder := agent.NewTranscriptBuilder()
			tokenSaved := false
			transcriptSaved := false
			for ev := range stream {
				builder.Observe(ev)
				if !tokenSaved {
					if agentID := builder.AgentSessionID(); agentID != "" {
						s.saveAgentSessionID(sessionID, agentID)
						tokenSaved = true
					}
				}
				if ev.Terminal() && !transcriptSaved {
					// Persist before forwarding so a client that
					// reacts to done reads the finished transcript.
					// A stream cut without a terminal event saves
					// nothing: the turn never finished.
					s.saveTranscript(sessionID, builder, cfg)
					transcriptSaved = true
				}
				out <- ev
			}
		}()
		return out, nil
	}
}

// saveAgentSessionID persists the agent-side resume token as soon as the
// init message reveals it, so a crash mid-turn still resumes.
func (s *Service) saveAgentSessionID(sessionID, agentSessionID string) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		s.log.WithError(err).Warn("cannot persist agent session id",
			zap.String("session_id", sessionID))
		return
	}
	if sess.AgentSessionID != nil && *sess.AgentSessionID == agentSessionID {
		return
	}
	sess.AgentSessionID = &agentSessionID
	if err := s.store.Save(sess); err != nil {
		s.log.WithError(err).Warn("cannot persist agent session id",
			zap.String("session_id", sessionID))
	}
}

// saveTranscript appends the assembled assistant message and stamps the
// settings the turn actually used.
func (s *Service) saveTranscript(sessionID string, builder *agent.TranscriptBuilder, cfg turnSettings) {
	if !builder.Empty() {
		if _, err := s.store.AppendMessage(sessionID, builder.Message()); err != nil {
			s.log.WithError(err).Error("failed to persist assistant message",
				zap.String("session_id", sessionID))
		}
	}

	sess, err := s.store.Get(sessionID)
	if err != nil {
		s.log.WithError(err).Warn("cannot stamp session settings",
			zap.String("session_id", sessionID))
		return
	}
	endpointName := cfg.endpointName
	if endpointName == "" {
		endpointName = legacyEndpointName
	}
	sess.LastEndpointName = &endpointName
	if cfg.modelName != "" {
		sess.LastModelName = &cfg.modelName
	}
	if cfg.securityMode != "" {
		sess.LastSecurityMode = &cfg.securityMode
	}
	if err := s.store.Save(sess); err != nil {
		s.log.WithError(err).Warn("cannot stamp session settings",
			zap.String("session_id", sessionID))
	}
}

// SessionExists reports whether the id matches a stored session or one with
// surviving task state.
func (s *Service) SessionExists(id string) bool {
	if _, err := s.store.Get(id); err == nil {
		return true
	}
	return s.runner.Status(id) != nil
}

// Subscribe attaches to the session's durable event feed: full replay, then
// live events until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, sessionID string) <-chan *events.Event {
	return s.runner.Subscribe(ctx, sessionID)
}

// MarkViewed flags the session's execution as seen.
func (s *Service) MarkViewed(sessionID string) bool {
	return s.runner.MarkViewed(sessionID)
}

// Interrupt stops the session's running task, preferring the agent's native
// interrupt. Returns false when nothing was running.
func (s *Service) Interrupt(ctx context.Context, sessionID string) bool {
	return s.runner.Interrupt(ctx, sessionID)
}

// DeleteSession removes the stored session, its task state, and the agent
// subprocess serving it.
func (s *Service) DeleteSession(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.runner.ClearSession(id)
	s.manager.Close(id)
	s.publishLifecycle(events.SessionDeleted, id)
	return nil
}

// publishLifecycle mirrors a session create/delete onto the bus so
// out-of-process observers can track the session set.
func (s *Service) publishLifecycle(eventType, sessionID string) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "gateway", map[string]any{
		"session_id": sessionID,
	})
	if err := s.bus.Publish(context.Background(), events.BuildSessionLifecycleSubject(sessionID), ev); err != nil {
		s.log.WithError(err).Debug("failed to publish session lifecycle event",
			zap.String("type", eventType),
			zap.String("session_id", sessionID))
	}
}

// ReceiveUserResponse feeds answers into the pending ask_user request.
func (s *Service) ReceiveUserResponse(requestID string, answers map[string]any) bool {
	return s.gate.ReceiveUserResponse(requestID, answers)
}

// ReceivePermissionResponse feeds the verdict into the pending permission
// request.
func (s *Service) ReceivePermissionResponse(requestID string, approved bool) bool {
	return s.gate.ReceivePermissionResponse(requestID, approved)
}
