package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/provider"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
	"github.com/tjfontaine/polyglot-chat/internal/session"
	"github.com/tjfontaine/polyglot-chat/internal/tokens"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

// Manager owns one session controller per active conversation. Controllers
// are created on first use and live for the daemon's lifetime; the store
// remains the durable record.
type Manager struct {
	registry *provider.Registry
	store    *transcript.Store
	tokens   *tokens.Registry
	markers  reasoning.MarkerPair
	params   domain.Parameters
	defaults string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Controller
}

// ManagerConfig bundles the dependencies shared by all sessions.
type ManagerConfig struct {
	Registry        *provider.Registry
	Store           *transcript.Store
	Tokens          *tokens.Registry
	Markers         reasoning.MarkerPair
	Params          domain.Parameters
	DefaultProvider string
	Logger          *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Markers.Start == "" || cfg.Markers.End == "" {
		cfg.Markers = reasoning.DefaultMarkers
	}
	return &Manager{
		registry: cfg.Registry,
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		markers:  cfg.Markers,
		params:   cfg.Params,
		defaults: cfg.DefaultProvider,
		logger:   logger,
		sessions: make(map[string]*session.Controller),
	}
}

// Store exposes the transcript store for read endpoints.
func (m *Manager) Store() *transcript.Store {
	return m.store
}

// Markers returns the configured inline reasoning marker pair.
func (m *Manager) Markers() reasoning.MarkerPair {
	return m.markers
}

// Registry exposes the provider registry.
func (m *Manager) Registry() *provider.Registry {
	return m.registry
}

// Session returns the controller for a conversation, creating it against
// the named provider (or the default) when absent.
func (m *Manager) Session(conversationID, providerName, model string) (*session.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctrl, ok := m.sessions[conversationID]; ok {
		if model != "" {
			ctrl.SetModel(model)
		}
		return ctrl, nil
	}

	if providerName == "" {
		providerName = m.defaults
	}
	p, err := m.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = m.registry.DefaultModel(providerName)
	}
	if model == "" {
		return nil, fmt.Errorf("no model specified and provider %q has no default", providerName)
	}

	ctrl := session.New(p, m.store, m.tokens, model,
		session.WithConversationID(conversationID),
		session.WithMarkers(m.markers),
		session.WithParameters(m.params),
		session.WithLogger(m.logger))
	m.sessions[conversationID] = ctrl
	return ctrl, nil
}

// Lookup returns the controller for a conversation if one exists.
func (m *Manager) Lookup(conversationID string) (*session.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[conversationID]
	return ctrl, ok
}
