package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snowcoder/snow/internal/agent"
	"github.com/snowcoder/snow/internal/compactor"
	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/session"
	"github.com/snowcoder/snow/internal/tools/builtin"
	"github.com/snowcoder/snow/pkg/models"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 5005

	maxBodyBytes    = 1 << 20
	maxInboundBytes = 32 << 20
)

// Engine is the slice of the agent engine the server drives.
type Engine interface {
	Chat(ctx context.Context, req agent.ChatRequest) error
	Abort(sessionID string) bool
	Rollback(sessionID string, messageIndex int) (*models.RollbackResultEvent, error)
	RollbackPoints(sessionID string) ([]agent.RollbackPoint, error)
	SwitchAgent(sessionID, agentID string) (*models.AgentSwitchedEvent, error)
	CompressSession(ctx context.Context, sessionID string) (*compactor.Result, error)
	CompressMessages(ctx context.Context, msgs []models.Message) (*compactor.Result, error)
	ResolveConfirmation(requestID string, d scheduler.Decision) bool
	ResolveQuestion(requestID, answer string) bool
	SetSink(fn func(sessionID string, ev models.Event))
	Store() *session.Store
	Todos() *builtin.TodoStore
	AgentDefs() []models.AgentDef
	Tracker() *agent.Tracker
}

type Options struct {
	Engine Engine
	Config *config.Config
	Logger *slog.Logger
}

// Server hosts the event stream and the JSON API in front of one
// engine. Create it with New, then either Start a listener or mount
// Handler on one you already have.
type Server struct {
	engine  Engine
	cfg     *config.Config
	logger  *slog.Logger
	conns   *registry
	metrics *Metrics

	upgrader websocket.Upgrader

	httpServer  *http.Server
	listener    net.Listener
	unsubscribe func()
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  opts.Engine,
		cfg:     opts.Config,
		logger:  logger.With("component", "server"),
		conns:   newRegistry(),
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine.SetSink(s.routeEvent)
	s.unsubscribe = s.engine.Tracker().Subscribe(func(list []agent.Instance) {
		s.metrics.SetActiveAgents(len(list))
	})
	return s, nil
}

// Handler builds the route table. Every response is JSON except the two
// streaming endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("POST /session/load", s.handleSessionLoad)
	mux.HandleFunc("GET /session/list", s.handleSessionList)
	mux.HandleFunc("GET /session/rollback-points", s.handleRollbackPoints)
	mux.HandleFunc("DELETE /session/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /context/compress", s.handleCompress)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return cors(mux)
}

// Start listens on the configured address and serves in the background.
// Port 0 picks a free port; Addr reports the bound address.
func (s *Server) Start() error {
	host, port := defaultHost, defaultPort
	if s.cfg != nil {
		if s.cfg.Server.Host != "" {
			host = s.cfg.Server.Host
		}
		if s.cfg.Server.Port != 0 {
			port = s.cfg.Server.Port
		}
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// routeEvent is the engine sink. Events for sessions no client has
// bound are dropped.
func (s *Server) routeEvent(sessionID string, ev models.Event) {
	c := s.conns.forSession(sessionID)
	if c == nil {
		return
	}
	s.sendTo(c, ev)
}

func (s *Server) sendTo(c *connection, ev models.Event) {
	data, err := marshalEvent(ev, time.Now())
	if err != nil {
		s.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	s.metrics.RecordEvent(string(ev.Type))
	if !c.push(data) {
		s.metrics.RecordDropped()
		s.logger.Warn("event dropped, client not draining", "connection", c.id, "type", ev.Type)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := s.conns.add()
	defer s.conns.remove(conn.id)
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	s.logger.Debug("sse connection opened", "connection", conn.id)

	s.sendTo(conn, models.Event{Type: models.EventConnected, Data: connectedPayload{ConnectionID: conn.id}})

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse connection closed", "connection", conn.id)
			return
		case data := <-conn.events:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// bindSession routes the session's events to the client's connection
// and replays the agent catalog and current todos to it. Session calls
// without a connectionId still succeed, they just stay unbound.
func (s *Server) bindSession(connectionID string, sess *models.Session) {
	if connectionID == "" {
		return
	}
	conn, err := s.conns.bind(sess.ID, connectionID)
	if err != nil {
		s.logger.Warn("session bind failed", "session", sess.ID, "error", err)
		return
	}
	s.sendTo(conn, models.Event{Type: models.EventAgentList, Data: models.AgentListEvent{Agents: s.engine.AgentDefs()}})
	todos, err := s.engine.Todos().Read(sess.ID)
	if err != nil {
		s.logger.Warn("todo replay failed", "session", sess.ID, "error", err)
		return
	}
	s.sendTo(conn, models.Event{Type: models.EventTodos, Data: models.TodoUpdateEvent{SessionID: sess.ID, Todos: todos}})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connectionId"`
		Title        string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.engine.Store().Create(req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bindSession(req.ConnectionID, sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID    string `json:"sessionId"`
		ConnectionID string `json:"connectionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	sess, err := s.engine.Store().Get(req.SessionID)
	if err != nil {
		writeError(w, statusForStoreErr(err), err.Error())
		return
	}
	s.bindSession(req.ConnectionID, sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := intQuery(r, "pageSize", 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	headers, total, err := s.engine.Store().List(session.ListOptions{
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
		Query:  r.URL.Query().Get("q"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if headers == nil {
		headers = []session.Header{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": headers,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.conns.unbind(id)
	if err := s.engine.Store().Delete(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollbackPoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	points, err := s.engine.RollbackPoints(sessionID)
	if err != nil {
		writeError(w, statusForStoreErr(err), err.Error())
		return
	}
	if points == nil {
		points = []agent.RollbackPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string           `json:"sessionId"`
		Messages  []models.Message `json:"messages"`
	}
	if err := decodeCompressBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		res *compactor.Result
		err error
	)
	switch {
	case req.SessionID != "":
		res, err = s.engine.CompressSession(r.Context(), req.SessionID)
		if err != nil && errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	case len(req.Messages) > 0:
		res, err = s.engine.CompressMessages(r.Context(), req.Messages)
	default:
		writeError(w, http.StatusBadRequest, "sessionId or messages is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": res.Messages,
		"summary":  res.Summary,
		"replaced": res.Replaced,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.conns.count(),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := parseInbound(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.RecordInbound(msg.Type)
	status, payload := s.routeInbound(msg)
	writeJSON(w, status, payload)
}

// routeInbound dispatches one validated client message. Chat and image
// turns run in the background; everything else answers synchronously.
func (s *Server) routeInbound(msg *inboundMessage) (int, any) {
	switch msg.Type {
	case "chat":
		if _, err := s.engine.Store().Get(msg.SessionID); err != nil {
			return statusForStoreErr(err), errorBody{Error: err.Error()}
		}
		s.startTurn(agent.ChatRequest{SessionID: msg.SessionID, Content: msg.Content})
		return http.StatusAccepted, map[string]any{"status": "accepted", "sessionId": msg.SessionID}

	case "abort":
		aborted := s.engine.Abort(msg.SessionID)
		return http.StatusOK, map[string]any{"aborted": aborted}

	case "rollback":
		res, err := s.engine.Rollback(msg.SessionID, msg.MessageIndex)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return http.StatusNotFound, errorBody{Error: err.Error()}
			}
			return http.StatusBadRequest, errorBody{Error: err.Error()}
		}
		return http.StatusOK, res

	case "switch_agent":
		ev, err := s.engine.SwitchAgent(msg.SessionID, msg.AgentID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return http.StatusNotFound, errorBody{Error: err.Error()}
			}
			return http.StatusBadRequest, errorBody{Error: err.Error()}
		}
		return http.StatusOK, ev

	case "tool_confirmation_response":
		d := scheduler.Decision{Kind: scheduler.DecisionKind(msg.Decision), Reply: msg.Reply}
		if !s.engine.ResolveConfirmation(msg.RequestID, d) {
			return http.StatusNotFound, errorBody{Error: fmt.Sprintf("no pending confirmation %s", msg.RequestID)}
		}
		return http.StatusOK, map[string]any{"resolved": true}

	case "user_question_response":
		if !s.engine.ResolveQuestion(msg.RequestID, msg.Answer) {
			return http.StatusNotFound, errorBody{Error: fmt.Sprintf("no pending question %s", msg.RequestID)}
		}
		return http.StatusOK, map[string]any{"resolved": true}

	case "image":
		data, err := decodeImage(msg.Data)
		if err != nil {
			return http.StatusBadRequest, errorBody{Error: err.Error()}
		}
		if _, err := s.engine.Store().Get(msg.SessionID); err != nil {
			return statusForStoreErr(err), errorBody{Error: err.Error()}
		}
		s.startTurn(agent.ChatRequest{
			SessionID: msg.SessionID,
			Content:   msg.Content,
			Attachments: []models.Attachment{{
				Type:     "image",
				Data:     data,
				MimeType: msg.MimeType,
				Name:     msg.Name,
			}},
		})
		return http.StatusAccepted, map[string]any{"status": "accepted", "sessionId": msg.SessionID}

	default:
		return http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

// startTurn runs one chat turn in the background. Turn progress and
// failures reach the client as events; the error here only covers what
// the loop could not report itself.
func (s *Server) startTurn(req agent.ChatRequest) {
	go func() {
		if err := s.engine.Chat(context.Background(), req); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("turn ended with error", "session", req.SessionID, "error", err)
		}
	}()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func statusForStoreErr(err error) int {
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

// decodeCompressBody allows the larger limit: a messages payload can
// carry a whole conversation.
func decodeCompressBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxInboundBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// cors allows browser clients on any origin. The server binds loopback
// by default; the API carries no credentials.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
