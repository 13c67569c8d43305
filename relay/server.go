package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/chat"
	"sealchat/models"
	"sealchat/network"
)

// ServerOptions tunes the HTTP front end of the relay.
type ServerOptions struct {
	RelayID      string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes a Service over HTTP with websocket subscriptions.
type Server struct {
	service  *Service
	log      *zap.Logger
	options  ServerOptions
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	closing bool
	closed  chan struct{}
	streams sync.WaitGroup
}

// NewServer builds the relay router around service.
func NewServer(service *Service, options ServerOptions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if options.PingInterval <= 0 {
		options.PingInterval = network.DefaultPingInterval
	}
	if options.PongTimeout <= 0 {
		options.PongTimeout = network.DefaultPongTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = network.DefaultWriteTimeout
	}

	s := &Server{
		service: service,
		log:     log,
		options: options,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closed: make(chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/identities/{id}", s.handlePublishIdentity).Methods(http.MethodPut)
	v1.HandleFunc("/identities/{id}", s.handleLookupIdentity).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{cid}/messages", s.handleAppend).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{cid}/messages", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{cid}/messages/stream", s.handleMessageStream).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{cid}/typing", s.handleSetTyping).Methods(http.MethodPut)
	v1.HandleFunc("/conversations/{cid}/typing", s.handleGetTyping).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{cid}/typing/stream", s.handleTypingStream).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, network.ErrorMessage{Code: network.CodeBadRequest, Message: "unknown route"})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every open websocket stream and waits for them to finish.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.closed)
	}
	s.mu.Unlock()
	s.streams.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, network.HealthResponse{
		Status:          "ok",
		RelayID:         s.options.RelayID,
		ProtocolVersion: network.ProtocolVersion,
	})
}

func (s *Server) handlePublishIdentity(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var identity models.Identity
	if !s.decodeBody(w, r, &identity) {
		return
	}
	if identity.ID == "" {
		identity.ID = userID
	}
	if identity.ID != userID {
		writeBadRequest(w, fmt.Sprintf("identity id %q does not match path %q", identity.ID, userID))
		return
	}

	stored, created, err := s.service.PublishIdentity(r.Context(), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleLookupIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := s.service.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["cid"]
	var msg models.SealedMessage
	if !s.decodeBody(w, r, &msg) {
		return
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.ConversationID != conversationID {
		writeBadRequest(w, fmt.Sprintf("conversation id %q does not match path %q", msg.ConversationID, conversationID))
		return
	}

	stored, err := s.service.Append(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleHistory answers one page of history. A page cut to fit a frame sets
// More; clients continue with before set to the last created_at.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	var before int64
	if raw := query.Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeBadRequest(w, fmt.Sprintf("invalid before %q", raw))
			return
		}
		before = parsed
	}

	messages, err := s.service.HistoryBefore(r.Context(), mux.Vars(r)["cid"], before, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pages, err := network.SplitPages(messages, network.PageBudget)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, network.HistoryResponse{Messages: pages[0], More: len(pages) > 1})
}

func (s *Server) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["cid"]
	var req network.TypingRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var err error
	if req.TypingUserID == "" {
		err = s.service.ClearTyping(r.Context(), conversationID)
	} else {
		err = s.service.SetTyping(r.Context(), conversationID, req.TypingUserID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTyping(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["cid"]
	if _, _, err := models.Participants(conversationID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	state, err := s.service.Typing(r.Context(), conversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["cid"]
	if _, _, err := models.Participants(conversationID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.streamContext(r.Context())
	defer cancel()
	sub, err := s.service.Subscribe(ctx, conversationID)
	if err != nil {
		s.closeWithError(conn, err)
		s.endStream(conn)
		return
	}
	serveStream(ctx, cancel, s, conn, sub, snapshotFrames())
}

func (s *Server) handleTypingStream(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["cid"]
	if _, _, err := models.Participants(conversationID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.streamContext(r.Context())
	defer cancel()
	sub, err := s.service.WatchTyping(ctx, conversationID)
	if err != nil {
		s.closeWithError(conn, err)
		s.endStream(conn)
		return
	}
	serveStream(ctx, cancel, s, conn, sub, func(state models.TypingState) ([]any, error) {
		return []any{network.TypingFrame{Type: network.TypeTyping, Typing: state}}, nil
	})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.writeError(w, r, fmt.Errorf("%w: relay is shutting down", chat.ErrUnavailable))
		return nil, false
	}
	s.streams.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.streams.Done()
		s.log.Debug("websocket upgrade failed", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, false
	}
	conn.SetReadLimit(network.MaxFrameSize)
	return conn, true
}

func (s *Server) endStream(conn *websocket.Conn) {
	_ = conn.Close()
	s.streams.Done()
}

// streamContext is cancelled when the request ends or the server closes.
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// snapshotFrames sends the first snapshot of a connection whole and every
// later one as the records added since. Snapshots only grow at the newest end.
func snapshotFrames() func([]models.SealedMessage) ([]any, error) {
	sent := -1
	return func(snapshot []models.SealedMessage) ([]any, error) {
		frameType, fresh := network.TypeSnapshot, snapshot
		if sent >= 0 && len(snapshot) >= sent {
			if len(snapshot) == sent {
				return nil, nil
			}
			frameType, fresh = network.TypeAppend, snapshot[:len(snapshot)-sent]
		}
		frames, err := network.MessageFrames(frameType, fresh)
		if err != nil {
			return nil, err
		}
		sent = len(snapshot)
		out := make([]any, 0, len(frames))
		for _, frame := range frames {
			out = append(out, frame)
		}
		return out, nil
	}
}

// serveStream pushes every update of sub to conn until either side goes away.
// The reader goroutine only consumes control frames and detects the close.
// A failure to encode an update is reported to the client as an error frame.
func serveStream[T any](ctx context.Context, cancel context.CancelFunc, s *Server, conn *websocket.Conn, sub *chat.Stream[T], frames func(T) ([]any, error)) {
	defer s.endStream(conn)
	defer sub.Cancel()

	_ = conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("stream reader stopped", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(s.options.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.options.WriteTimeout)); err != nil {
				return
			}
		case value, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					s.closeWithError(conn, err)
				}
				return
			}
			batch, err := frames(value)
			if err != nil {
				s.log.Warn("stream update cannot be framed", zap.Error(err))
				s.closeWithError(conn, err)
				return
			}
			for _, frame := range batch {
				if err := s.writeFrame(conn, frame); err != nil {
					if errors.Is(err, network.ErrFrameTooLarge) {
						s.closeWithError(conn, err)
					}
					s.log.Debug("stream write failed", zap.Error(err))
					return
				}
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame any) error {
	payload, err := network.EncodeJSON(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Server) closeWithError(conn *websocket.Conn, err error) {
	_, code := network.ErrorStatus(err)
	_ = s.writeFrame(conn, network.ErrorMessage{Type: network.TypeError, Code: code, Message: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, network.MaxFrameSize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, network.ErrorMessage{Code: network.CodeFrameTooLarge, Message: network.ErrFrameTooLarge.Error()})
			return false
		}
		writeBadRequest(w, fmt.Sprintf("decode request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := network.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, network.ErrorMessage{Code: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, network.ErrorMessage{Code: network.CodeBadRequest, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
