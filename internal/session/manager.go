package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/observe"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/internal/store"
	"github.com/lectern-ai/lectern/pkg/asr"
	"github.com/lectern-ai/lectern/pkg/vad"
)

// ErrSessionNotFound is returned when an operation names a session ID the
// manager does not hold.
var ErrSessionNotFound = errors.New("session: not found")

// defaultDrainTimeout bounds the final flush when a lingering session is
// evicted by the janitor.
const defaultDrainTimeout = 10 * time.Second

// Deps bundles the shared services a Session needs. Streaming and Store may
// be nil: sessions then record audio without transcribing or persisting.
type Deps struct {
	Streaming  asr.Streaming
	Store      *store.Store
	Recordings *recorder.Registry
	Metrics    *observe.Metrics
}

// Manager owns the session table. It resumes sessions whose socket dropped
// within the linger window and evicts the rest.
type Manager struct {
	cfg  settings
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// NewManager builds a Manager from the loaded configuration. Call [Start]
// before accepting connections and [Stop] on shutdown.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	return &Manager{
		cfg: settings{
			windowSec:        cfg.Session.WindowSec,
			overlapSec:       cfg.Session.OverlapSec,
			maxWindowSec:     cfg.Session.MaxWindowSec,
			silenceCommitSec: cfg.Session.SilenceCommitSec,
			maxAudioQueue:    cfg.Session.MaxAudioQueue,
			heartbeat:        time.Duration(cfg.Session.HeartbeatTimeoutSec * float64(time.Second)),
			linger:           time.Duration(cfg.Session.SessionLingerSec * float64(time.Second)),
			workers:          int64(cfg.Session.ASRWorkerPool),
			chunkDurationSec: cfg.Storage.ChunkDurationSec,
			vad: vad.Config{
				SpeechThreshold: cfg.VAD.SpeechThreshold,
				EnergyThreshold: cfg.VAD.EnergyThreshold,
			},
		},
		deps:     deps,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
}

// Start launches the eviction janitor.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.janitorCancel = cancel
	m.janitorDone = make(chan struct{})
	go m.janitor(ctx)
}

// Stop drains and closes every session, bounded by drainTimeout each, and
// stops the janitor.
func (m *Manager) Stop(drainTimeout time.Duration) {
	if m.janitorCancel != nil {
		m.janitorCancel()
		<-m.janitorDone
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(drainTimeout)
		}(s)
	}
	wg.Wait()
	m.log.Info("session manager stopped", "closed", len(sessions))
}

// HandleConn drives one WebSocket connection: resume or create a session,
// bind the socket, then pump inbound messages until the socket drops.
func (m *Manager) HandleConn(ctx context.Context, c *websocket.Conn, requestedID, userEmail string) error {
	s, resumed, err := m.attach(requestedID, userEmail)
	if err != nil {
		c.Close(websocket.StatusInternalError, "session unavailable")
		return err
	}
	m.log.Info("socket bound",
		"session_id", s.ID,
		"resumed", resumed,
		"user_email", userEmail,
	)

	s.Bind(c)
	readErr := s.ReadLoop(ctx, c)
	s.Detach(c)
	if readErr != nil {
		m.log.Debug("socket closed", "session_id", s.ID, "err", readErr)
	}
	return nil
}

// attach resumes the requested session when it is still live, otherwise
// creates a fresh one with a new ID. A requested ID that is unknown or
// already draining means the session was evicted; the client gets a new
// session and must treat its prior live text as final.
func (m *Manager) attach(requestedID, userEmail string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requestedID != "" {
		if s, ok := m.sessions[requestedID]; ok && s.State() < StateDraining {
			return s, true, nil
		}
		m.log.Info("requested session evicted or unknown, creating fresh", "requested_id", requestedID)
	}

	id := uuid.NewString()
	s, err := newSession(id, userEmail, m.cfg, m.deps)
	if err != nil {
		return nil, false, err
	}
	m.sessions[id] = s
	return s, false, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// AssignMeeting attaches a meeting ID to a running session, renaming its
// recording directory and enabling transcript persistence.
func (m *Manager) AssignMeeting(ctx context.Context, sessionID, meetingID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return s.AssignMeeting(ctx, meetingID)
}

// janitor evicts sessions that stayed detached past the linger window and
// removes closed sessions from the table.
func (m *Manager) janitor(ctx context.Context) {
	defer close(m.janitorDone)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var evict []*Session
	for id, s := range m.sessions {
		if s.State() == StateClosed {
			delete(m.sessions, id)
			continue
		}
		if at := s.detachedSince(); !at.IsZero() && now.Sub(at) > m.cfg.linger {
			evict = append(evict, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range evict {
		m.log.Info("evicting lingering session", "session_id", s.ID)
		go s.Close(defaultDrainTimeout)
	}
}
