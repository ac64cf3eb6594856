package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AlexZinkM/canton-connect/internal/adapter"
	"github.com/AlexZinkM/canton-connect/internal/events"
	"github.com/AlexZinkM/canton-connect/internal/lifecycle"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/model"
)

// SessionManager is the lifecycle surface the handlers drive
type SessionManager interface {
	Connect(ctx context.Context, walletID model.WalletID) (model.Session, error)
	Restore(ctx context.Context) (*model.Session, error)
	Disconnect(ctx context.Context) error
	Session(ctx context.Context) *model.Session
	State() lifecycle.State
}

// Catalog is the verified wallet list
type Catalog interface {
	Current() *model.TrustedRegistry
	Wallets() ([]model.WalletManifestEntry, error)
}

// Resolver tells which wallets have an adapter configured
type Resolver interface {
	Resolve(id model.WalletID) (adapter.Adapter, bool)
}

// Subscriber hands out event streams
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

const (
	eventBuffer    = 32
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxRequestBody = 4 << 10
)

// SessionHandler serves the session API to the UI layer
type SessionHandler struct {
	manager  SessionManager
	catalog  Catalog
	adapters Resolver
	events   Subscriber
	origin   string
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewSessionHandler creates a SessionHandler. Event streams are only accepted from origin.
func NewSessionHandler(manager SessionManager, catalog Catalog, adapters Resolver, subscriber Subscriber, origin string, logger logging.Logger) (*SessionHandler, error) {
	if manager == nil || catalog == nil || adapters == nil || subscriber == nil {
		return nil, errors.New("manager, catalog, adapters and subscriber are required")
	}
	if logger == nil {
		logger = logging.MustGetLogger("handler")
	}
	h := &SessionHandler{
		manager:  manager,
		catalog:  catalog,
		adapters: adapters,
		events:   subscriber,
		origin:   strings.TrimRight(origin, "/"),
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h, nil
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	o := r.Header.Get("Origin")
	return o == "" || strings.EqualFold(strings.TrimRight(o, "/"), h.origin)
}

// ListWallets handles GET /v1/wallets
// @Summary      List trusted wallets
// @Description  Returns the wallets listed in the verified registry
// @Tags         wallets
// @Produce      json
// @Success      200  {object}  model.WalletsResponse
// @Failure      503  {object}  model.ErrorResponse
// @Router       /v1/wallets [get]
func (h *SessionHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalog.Wallets()
	if err != nil {
		writeKindError(w, err)
		return
	}

	resp := model.WalletsResponse{Wallets: make([]model.WalletResponse, 0, len(entries))}
	if reg := h.catalog.Current(); reg != nil {
		resp.Channel = reg.Channel
		resp.Sequence = reg.Sequence
	}
	for _, e := range entries {
		_, available := h.adapters.Resolve(e.WalletID)
		resp.Wallets = append(resp.Wallets, model.WalletResponse{
			WalletID:     e.WalletID,
			Name:         e.Name,
			Description:  e.Description,
			Icon:         e.Icon,
			Homepage:     e.Homepage,
			Networks:     e.Networks,
			Capabilities: e.Capabilities,
			Available:    available,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /v1/session
// @Summary      Current session
// @Description  Returns the lifecycle state and the live session, if any
// @Tags         session
// @Produce      json
// @Success      200  {object}  model.SessionResponse
// @Router       /v1/session [get]
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Session(r.Context())
	writeJSON(w, http.StatusOK, model.SessionResponse{State: string(h.manager.State()), Session: s})
}

// Connect handles POST /v1/session/connect
// @Summary      Connect a wallet
// @Description  Connects to a wallet from the trusted registry; the user approves in the wallet
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        request  body      model.ConnectRequest  true  "Wallet to connect"
// @Success      200      {object}  model.SessionResponse
// @Failure      400      {object}  model.ErrorResponse
// @Failure      403      {object}  model.ErrorResponse
// @Failure      404      {object}  model.ErrorResponse
// @Failure      409      {object}  model.ErrorResponse
// @Failure      503      {object}  model.ErrorResponse
// @Router       /v1/session/connect [post]
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req model.ConnectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := model.NewWalletID(req.WalletID)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.CodeInvalidRequest, err.Error())
		return
	}

	s, err := h.manager.Connect(r.Context(), id)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SessionResponse{State: string(h.manager.State()), Session: &s})
}

// Restore handles POST /v1/session/restore
// @Summary      Restore the persisted session
// @Description  Resumes the stored session when it is still valid; session is absent when there was nothing to restore
// @Tags         session
// @Produce      json
// @Success      200  {object}  model.SessionResponse
// @Failure      404  {object}  model.ErrorResponse
// @Failure      409  {object}  model.ErrorResponse
// @Router       /v1/session/restore [post]
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Restore(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SessionResponse{State: string(h.manager.State()), Session: s})
}

// Disconnect handles POST /v1/session/disconnect
// @Summary      Disconnect
// @Description  Ends the session; always succeeds locally
// @Tags         session
// @Produce      json
// @Success      200  {object}  model.SessionResponse
// @Failure      409  {object}  model.ErrorResponse
// @Router       /v1/session/disconnect [post]
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Disconnect(r.Context()); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SessionResponse{State: string(h.manager.State())})
}

// Events handles GET /v1/events
// @Summary      Event stream
// @Description  WebSocket stream of session and registry events as JSON messages
// @Tags         session
// @Success      101
// @Router       /v1/events [get]
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debugw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.events.Subscribe(eventBuffer)
	defer cancel()

	// the client never sends anything meaningful; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debugw("event stream write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
