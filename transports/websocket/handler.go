package websocket

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/unidel2035/agentbus/messaging"
)

// ErrMissingAgent is returned by the default resolver when the request has
// no agent query parameter
var ErrMissingAgent = errors.New("websocket: agent id is required")

// AgentResolver extracts the agent id from an upgrade request
type AgentResolver func(r *http.Request) (string, error)

// QueryAgent resolves the agent id from the "agent" query parameter
func QueryAgent(r *http.Request) (string, error) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		return "", ErrMissingAgent
	}
	return agentID, nil
}

// Handler upgrades HTTP requests and registers each connection as an agent
type Handler struct {
	bus      messaging.Registrar
	upgrader websocket.Upgrader
	resolve  AgentResolver
	opts     []Option
	logger   *slog.Logger
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithAgentResolver replaces the query parameter resolver
func WithAgentResolver(resolve AgentResolver) HandlerOption {
	return func(h *Handler) {
		if resolve != nil {
			h.resolve = resolve
		}
	}
}

// WithAllowedOrigins accepts browser upgrades only from the given origins.
// Requests without an Origin header are always accepted. With no origins
// configured the same-origin rule applies.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) {
		if len(origins) == 0 {
			h.upgrader.CheckOrigin = nil
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[origin] || allowed[u.Host]
		}
	}
}

// WithTransportOptions applies opts to every accepted transport
func WithTransportOptions(opts ...Option) HandlerOption {
	return func(h *Handler) {
		h.opts = append(h.opts, opts...)
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a handler registering connections on bus
func NewHandler(bus messaging.Registrar, opts ...HandlerOption) *Handler {
	h := &Handler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		resolve: QueryAgent,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	transport, err := Accept(w, r, &h.upgrader, append([]Option{WithLogger(h.logger)}, h.opts...)...)
	if err != nil {
		// the upgrader has already answered the request
		h.logger.Warn("websocket upgrade failed", "agentId", agentID, "error", err)
		return
	}

	if err := h.bus.RegisterConnection(agentID, transport); err != nil {
		h.logger.Error("failed to register agent", "agentId", agentID, "error", err)
		transport.Close()
		return
	}
	h.logger.Info("agent connected over websocket", "agentId", agentID, "remoteAddr", r.RemoteAddr)
}

// Accept upgrades one request into a Transport
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, opts ...Option) (*Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}
