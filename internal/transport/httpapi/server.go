// Package httpapi binds the gateway façade's operations to HTTP
// handlers and rides the event bus out over a server-accepting
// WebSocket, the client push channel's transport.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decryptretry"
	"github.com/agsys/meshgate/internal/gateway"
)

// writeTimeout bounds how long a single WebSocket frame write may take,
// mirroring the cloud client's write deadline discipline.
const writeTimeout = 10 * time.Second

// Server exposes the gateway over HTTP and WebSocket.
type Server struct {
	gw       *gateway.Gateway
	bus      *bus.Bus
	retry    *decryptretry.Runner
	upgrader websocket.Upgrader
}

// New builds a Server.
func New(gw *gateway.Gateway, b *bus.Bus, retry *decryptretry.Runner) *Server {
	return &Server{
		gw:    gw,
		bus:   b,
		retry: retry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP handler. Uses the standard library's
// method-and-pattern ServeMux rather than pulling in a router dependency
// the rest of the stack doesn't otherwise need.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /contacts", s.handleListContacts)
	mux.HandleFunc("POST /contacts/{key}/read", s.handleMarkContactRead)

	mux.HandleFunc("GET /channels", s.handleListChannels)
	mux.HandleFunc("POST /channels/{key}/read", s.handleMarkChannelRead)

	mux.HandleFunc("GET /messages", s.handleListMessages)
	mux.HandleFunc("POST /messages/direct", s.handleSendDirectMessage)
	mux.HandleFunc("POST /messages/channel", s.handleSendChannelMessage)

	mux.HandleFunc("POST /repeater/{key}/telemetry", s.handleRepeaterTelemetry)
	mux.HandleFunc("POST /repeater/{key}/trace", s.handleRepeaterTrace)
	mux.HandleFunc("POST /repeater/{key}/cli", s.handleRepeaterCLI)

	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /favorites", s.handleAddFavorite)
	mux.HandleFunc("DELETE /favorites/{type}/{id}", s.handleRemoveFavorite)

	mux.HandleFunc("POST /decrypt-retry/channel", s.handleDecryptRetryChannel)
	mux.HandleFunc("POST /decrypt-retry/dm", s.handleDecryptRetryDM)

	mux.HandleFunc("POST /reconnect", s.handleManualReconnect)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.HealthSnapshot())
}

// wsSubscriber adapts a *websocket.Conn to bus.Subscriber, serializing
// every Deliver call with a mutex (per gorilla/websocket's concurrency
// contract: one writer at a time; the bus delivers from one goroutine per
// publish).
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSubscriber) Deliver(ctx context.Context, env bus.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(env)
}

// handleWebSocket upgrades the connection, replays the initial-state
// sequence, subscribes it to the bus, and then just reads (and discards)
// frames until the client goes away; the gateway push channel is
// one-directional server-to-client, with writes coming from the bus.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}
	id := uuid.NewString()

	ctx, cancel := context.WithTimeout(r.Context(), bus.SendTimeout)
	defer cancel()
	if err := bus.ReplayInitialState(ctx, sub, s.gw); err != nil {
		log.Printf("httpapi: initial state replay failed for %s: %v", id, err)
		return
	}

	s.bus.Subscribe(id, sub)
	defer s.bus.Unsubscribe(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	contacts, err := s.gw.ListContacts(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleMarkContactRead(w http.ResponseWriter, r *http.Request) {
	ts := time.Now().Unix()
	found, err := s.gw.MarkContactRead(r.PathValue("key"), ts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_at": ts})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.gw.ListChannels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleMarkChannelRead(w http.ResponseWriter, r *http.Request) {
	ts := time.Now().Unix()
	found, err := s.gw.MarkChannelRead(r.PathValue("key"), ts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_at": ts})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgType := q.Get("type")
	conversationKey := q.Get("conversation_key")
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	beforeReceivedAt, _ := strconv.ParseInt(q.Get("before_received_at"), 10, 64)
	beforeID, _ := strconv.ParseInt(q.Get("before_id"), 10, 64)

	messages, err := s.gw.ListMessages(msgType, conversationKey, limit, beforeReceivedAt, beforeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendDirectRequest struct {
	DestKey string `json:"dest_key"`
	Text    string `json:"text"`
}

func (s *Server) handleSendDirectMessage(w http.ResponseWriter, r *http.Request) {
	var req sendDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.gw.SendDirectMessage(r.Context(), req.DestKey, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"message_id": id})
}

type sendChannelRequest struct {
	ChannelKey string `json:"channel_key"`
	Text       string `json:"text"`
}

func (s *Server) handleSendChannelMessage(w http.ResponseWriter, r *http.Request) {
	var req sendChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.gw.SendChannelMessage(r.Context(), req.ChannelKey, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"message_id": id})
}

func (s *Server) handleRepeaterTelemetry(w http.ResponseWriter, r *http.Request) {
	data, err := s.gw.RepeaterTelemetry(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleRepeaterTrace(w http.ResponseWriter, r *http.Request) {
	data, err := s.gw.RepeaterTrace(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

type repeaterCLIRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleRepeaterCLI(w http.ResponseWriter, r *http.Request) {
	var req repeaterCLIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.gw.RepeaterCLICommand(r.Context(), r.PathValue("key"), req.Command)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.gw.Settings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update settingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.UpdateSettings(update.toStoreUpdate()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type favoriteRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.AddFavorite(req.Type, req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.RemoveFavorite(r.PathValue("type"), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelKeySweepRequest struct {
	ChannelKey string `json:"channel_key"`
	Name       string `json:"name"`
}

func (s *Server) handleDecryptRetryChannel(w http.ResponseWriter, r *http.Request) {
	var req channelKeySweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := s.retry.RunChannelKeySweep(req.ChannelKey, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type dmKeySweepRequest struct {
	OurPrivateKey string `json:"our_private_key"`
	PeerPublicKey string `json:"peer_public_key"`
}

func (s *Server) handleDecryptRetryDM(w http.ResponseWriter, r *http.Request) {
	var req dmKeySweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := s.retry.RunDMKeySweep(req.OurPrivateKey, req.PeerPublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleManualReconnect(w http.ResponseWriter, r *http.Request) {
	reqID, err := s.gw.ManualReconnect(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": reqID})
}
