// Package gateway exposes the node's query surface to local UI clients over
// HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"firechat/chat"
	"firechat/identity"
	"firechat/models"
	"firechat/pricebot"
	"firechat/storage"
)

const domainCacheTTL = time.Hour

// Server wires the chat session and its collaborators into HTTP handlers.
type Server struct {
	echo    *echo.Echo
	session *chat.Session

	registry *identity.Registry
	store    *storage.Store
	feed     *pricebot.Feed
	bot      *pricebot.Bot
}

// Options configures a gateway server. Registry, Store, Feed and Bot are
// optional; endpoints depending on an absent collaborator return 503.
type Options struct {
	Session  *chat.Session
	Registry *identity.Registry
	Store    *storage.Store
	Feed     *pricebot.Feed
	Bot      *pricebot.Bot
}

// New builds the gateway routes.
func New(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("gateway: session is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		session:  opts.Session,
		registry: opts.Registry,
		store:    opts.Store,
		feed:     opts.Feed,
		bot:      opts.Bot,
	}

	e.GET("/identity", s.handleIdentity)
	e.GET("/conversations", s.handleConversations)
	e.GET("/conversations/:peer/messages", s.handleMessages)
	e.GET("/conversations/:peer/stream", s.handleStream)
	e.POST("/messages", s.handleSend)
	e.GET("/resolve/:name", s.handleResolve)
	e.GET("/prices", s.handlePrices)
	e.GET("/contacts", s.handleListContacts)
	e.POST("/contacts", s.handleAddContact)

	return s, nil
}

// Start serves on the bind address until Shutdown.
func (s *Server) Start(bind string) error {
	log.Info().Str("bind", bind).Msg("gateway listening")
	if err := s.echo.Start(bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type errorResponse struct {
	Error string `json:"error"`
}

type identityResponse struct {
	Address string `json:"address"`
	Domain  string `json:"domain,omitempty"`
}

type sendRequest struct {
	Content   string `json:"content"`
	Recipient string `json:"recipient"`
}

type sendResponse struct {
	LocalID        string `json:"local_id,omitempty"`
	Key            string `json:"key,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
	Command        bool   `json:"command,omitempty"`
}

type resolveResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (s *Server) handleIdentity(c echo.Context) error {
	resp := identityResponse{Address: s.session.Self()}
	if s.registry != nil {
		if domain, err := s.registry.ReverseResolve(c.Request().Context(), resp.Address); err == nil {
			resp.Domain = domain
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConversations(c echo.Context) error {
	keys := s.session.Index().Keys()
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = string(key)
	}
	return c.JSON(http.StatusOK, map[string][]string{"conversations": out})
}

func (s *Server) handleMessages(c echo.Context) error {
	peer, err := s.resolvePeer(c.Request().Context(), c.Param("peer"))
	if err != nil {
		return peerError(c, err)
	}

	key, err := chat.DeriveKey(s.session.Self(), peer)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	if c.QueryParam("backfill") == "true" {
		if err := s.session.LoadHistory(c.Request().Context(), peer); err != nil {
			log.Warn().Err(err).Str("peer", peer).Msg("history backfill failed")
		}
	}

	var msgs []models.Message
	if c.QueryParam("include_system") == "true" {
		msgs = s.session.Index().AllMessages(key)
	} else {
		msgs = s.session.Index().Messages(key)
	}
	return c.JSON(http.StatusOK, map[string]any{"key": string(key), "messages": msgs})
}

func (s *Server) handleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	// Bot commands are answered locally and never reach the transport.
	if s.bot != nil && s.bot.ProcessCommand(req.Content) {
		return c.JSON(http.StatusOK, sendResponse{Command: true})
	}

	recipient, err := s.resolvePeer(c.Request().Context(), req.Recipient)
	if err != nil {
		return peerError(c, err)
	}

	handle, err := s.session.Send(c.Request().Context(), req.Content, recipient)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrInvalidIdentifier):
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
	}

	resp := sendResponse{LocalID: handle.LocalID, Key: string(handle.Key)}

	if c.QueryParam("wait") == "false" {
		return c.JSON(http.StatusAccepted, resp)
	}

	ref, err := handle.Wait(c.Request().Context())
	if err != nil {
		if errors.Is(err, chat.ErrSendFailure) {
			return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		}
		// Client gave up waiting; the optimistic entry stays until the
		// submission settles.
		return c.JSON(http.StatusAccepted, resp)
	}
	resp.TransactionRef = ref
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResolve(c echo.Context) error {
	if s.registry == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "registry not configured"})
	}

	name, err := identity.CanonicalDomain(c.Param("name"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	address, err := s.resolveDomain(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, identity.ErrDomainNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, resolveResponse{Name: name, Address: address})
}

func (s *Server) handlePrices(c echo.Context) error {
	if s.feed == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "price feed not configured"})
	}
	return c.JSON(http.StatusOK, map[string]any{"quotes": s.feed.Quotes()})
}

func (s *Server) handleListContacts(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage not configured"})
	}

	contacts, err := s.store.ListContacts()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"contacts": contacts})
}

func (s *Server) handleAddContact(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "storage not configured"})
	}

	var contact models.Contact
	if err := c.Bind(&contact); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	address, err := identity.Normalize(contact.Address)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if address == s.session.Self() {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "cannot add yourself as a contact"})
	}
	contact.Address = address

	if err := s.store.AddContact(contact); err != nil {
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, contact)
}

// resolvePeer accepts either a wallet address or a domain name.
func (s *Server) resolvePeer(ctx context.Context, peer string) (string, error) {
	peer = strings.TrimSpace(peer)
	if identity.ValidAddress(peer) {
		return identity.Normalize(peer)
	}

	name, err := identity.CanonicalDomain(peer)
	if err != nil {
		return "", err
	}
	if s.registry == nil {
		return "", identity.ErrDomainNotFound
	}
	return s.resolveDomain(ctx, name)
}

// resolveDomain consults the local cache before the registry.
func (s *Server) resolveDomain(ctx context.Context, name string) (string, error) {
	if s.store != nil {
		notBefore := time.Now().Add(-domainCacheTTL).UnixMilli()
		if address, err := s.store.LookupDomain(name, notBefore); err == nil {
			return address, nil
		}
	}

	address, err := s.registry.Resolve(ctx, name)
	if err != nil {
		return "", err
	}

	if s.store != nil {
		if err := s.store.CacheDomain(name, address, time.Now().UnixMilli()); err != nil {
			log.Warn().Err(err).Str("domain", name).Msg("caching domain resolution failed")
		}
	}
	return address, nil
}

func peerError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, identity.ErrDomainNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, identity.ErrInvalidDomain), errors.Is(err, identity.ErrInvalidAddress):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}
