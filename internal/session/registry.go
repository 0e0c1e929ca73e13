package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"narrator-backend/internal/agent"
	"narrator-backend/internal/backend"
	"narrator-backend/internal/chat"
	"narrator-backend/internal/events"
	"narrator-backend/internal/llm"
	"narrator-backend/internal/metrics"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/rules"
)

// Shared holds the process-wide dependencies every session is built from.
type Shared struct {
	Store chat.Store
	// Chats is the tree cache all sessions read through, so that sessions on
	// the same chat see each other's messages.
	Chats          *chat.Cache
	Completer      llm.Completer
	Pool           chat.Submitter
	OptionsBackend options.Backend
	Sealer         *options.Sealer
	Defaults       map[string]any
	Sync           backend.SyncSink
	Rules          rules.Injector
	Narrative      bool
	ProxySupported func() bool
	Notifier       Notifier
	Flags          FlagStore
	Logger         *zap.Logger
}

// Build creates a session with its own chat manager, backend and agent.
// Anonymous sessions keep their options and chats under "session:{id}" until
// login.
func (sh Shared) Build(id string, user *models.User) *Session {
	logger := sh.Logger.With(zap.String("session_id", id))
	guest := "session:" + id
	opts := options.New(sh.OptionsBackend, sh.Sealer, sh.Defaults, guest, logger)

	manager := chat.NewManager(chat.Deps{
		Store:     sh.Store,
		Completer: sh.Completer,
		Pool:      sh.Pool,
		Options:   opts,
		Bus:       events.NewBus(),
		Cache:     sh.Chats,
		Owner:     guest,
		Logger:    logger,
	})

	be := backend.New(events.NewBus(), sh.Sync, logger)
	if user != nil {
		be.SetUser(user)
	}

	return New(id, Deps{
		Chat:           manager,
		Backend:        be,
		Agent:          agent.NewStreamingAgent(manager),
		Rules:          sh.Rules,
		Narrative:      sh.Narrative,
		ProxySupported: sh.ProxySupported,
		Notifier:       sh.Notifier,
		Flags:          sh.Flags,
		Logger:         sh.Logger,
	})
}

// Registry owns the live sessions of the process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	build    func(id string, user *models.User) *Session
	ttl      time.Duration
	logger   *zap.Logger
}

// NewRegistry creates a registry. Sessions idle for longer than ttl are closed
// by Sweep; a zero ttl keeps them until Close.
func NewRegistry(build func(id string, user *models.User) *Session, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		build:    build,
		ttl:      ttl,
		logger:   logger,
	}
}

func (r *Registry) Create(user *models.User) *Session {
	id := uuid.NewString()
	s := r.build(id, user)

	r.mu.Lock()
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.logger.Info("session created", zap.String("session_id", id), zap.Bool("authenticated", user != nil))
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Exists reports whether a session is registered under id.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now-ttl and returns how many it
// removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}

	var expired []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) > r.ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		metrics.ActiveSessions.Set(float64(n))
		r.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	metrics.ActiveSessions.Set(0)
}
