// Package buffer coalesces rapid-fire inbound fragments into one logical
// turn per user and hands completed turns downstream exactly once.
package buffer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
	"github.com/tealquilamos/rentbot/internal/pending"
)

// Turn is one coalesced unit of work: everything a user said during a quiet
// period, joined in arrival order.
type Turn struct {
	// ID correlates one turn across buffer, assistant, and gateway logs.
	ID        string
	UserID    string
	ChatID    string
	UserName  string
	Text      string
	Fragments []string
	// Manual marks turns typed by a human agent from the business account;
	// these sync to the thread as context instead of triggering a reply.
	Manual bool
	// Recovered marks turns replayed from the durable store after a restart.
	Recovered bool
	// HasVoice is set when any fragment arrived as a voice note; downstream
	// may answer in kind.
	HasVoice bool
}

// TurnHandler receives completed turns. The manager guarantees at most one
// concurrent call per UserID.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn Turn) error
}

const truncationMarker = "... [mensaje truncado]"

// botEchoCap bounds the sent-message set so a webhook that never echoes our
// sends can't grow it without limit.
const botEchoCap = 1000

// queuedFlush records which buffer kinds completed their quiet period while a
// turn for the same user was in flight. Both kinds can queue independently;
// release re-flushes each one against its own map.
type queuedFlush struct {
	user   bool
	manual bool
}

type userBuffer struct {
	userID    string
	chatID    string
	userName  string
	fragments []string
	hasVoice  bool
	firstAt   time.Time
	lastAt    time.Time
	timer     *time.Timer
}

// Manager owns all per-user buffers, the dedup window, and the flush
// coordinator. It is the composition point of the whole inbound pipeline.
type Manager struct {
	cfg     config.BufferConfig
	retries int
	store   *pending.Store
	handler TurnHandler
	logger  *logging.Logger

	mu        sync.Mutex
	buffers   map[string]*userBuffer
	manual    map[string]*userBuffer
	seen      map[string]time.Time
	lastSweep time.Time
	botSent   map[string]time.Time
	inFlight  map[string]bool
	again     map[string]queuedFlush

	flushed  uint64
	deduped  uint64
	filtered uint64
}

// NewManager creates a buffer manager. retries bounds downstream handoff
// attempts per turn before the turn is persisted back for later replay.
func NewManager(cfg config.BufferConfig, retries int, store *pending.Store, handler TurnHandler, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		retries:   retries,
		store:     store,
		handler:   handler,
		logger:    logger.Sub("buffer"),
		buffers:   make(map[string]*userBuffer),
		manual:    make(map[string]*userBuffer),
		seen:      make(map[string]time.Time),
		lastSweep: time.Now(),
		botSent:   make(map[string]time.Time),
		inFlight:  make(map[string]bool),
		again:     make(map[string]queuedFlush),
	}
}

// HandleEvents routes a normalized webhook batch into the per-user buffers.
func (m *Manager) HandleEvents(ctx context.Context, events []domain.InboundEvent) {
	for _, ev := range events {
		m.handleEvent(ctx, ev)
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev domain.InboundEvent) {
	switch ev.Kind {
	case domain.KindPresence:
		m.logger.Debug().Str("user", ev.UserID).Str("status", ev.Presence).Msg("presence update")
		return
	case domain.KindVoice:
		// voice notes are acknowledged as a turn fragment so the assistant
		// can ask the guest to type instead
		ev.Body = "[nota de voz recibida]"
	case domain.KindImage:
		if ev.Caption != "" {
			ev.Body = "[imagen] " + ev.Caption
		} else {
			ev.Body = "[imagen recibida]"
		}
	case domain.KindText:
	default:
		m.logger.Debug().Str("user", ev.UserID).Str("kind", string(ev.Kind)).Msg("ignoring unsupported event kind")
		return
	}

	// gateway retries redeliver the same message ID; from_me traffic is not
	// exempt, or a retried agent message would buffer twice
	if m.isDuplicate(ev.ID) {
		m.logger.Debug().Str("id", ev.ID).Str("user", ev.UserID).Msg("dropping duplicate message")
		return
	}

	if ev.FromMe {
		if m.isBotEcho(ev.ID) {
			m.logger.Debug().Str("id", ev.ID).Str("user", ev.UserID).Msg("suppressing bot echo")
			return
		}
		// a human agent answered from the business account; buffer it so the
		// thread learns what was already said
		m.addFragment(ctx, ev, true)
		return
	}

	if m.isNoise(ev.Body) {
		m.mu.Lock()
		m.filtered++
		m.mu.Unlock()
		m.logger.Debug().Str("user", ev.UserID).Msg("dropping noise fragment")
		return
	}
	m.addFragment(ctx, ev, false)
}

// TrackBotMessage records the gateway-assigned ID of a message the bot just
// sent so its webhook echo can be recognized and suppressed.
func (m *Manager) TrackBotMessage(messageID string) {
	if messageID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.botSent) >= botEchoCap {
		m.pruneBotSentLocked()
	}
	m.botSent[messageID] = time.Now()
}

// isBotEcho reports whether a from_me event is the echo of one of our own
// sends. Membership is not consumed: the gateway may redeliver the echo.
func (m *Manager) isBotEcho(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.botSent[messageID]
	return ok
}

// pruneBotSentLocked drops expired entries, then the oldest if still full.
func (m *Manager) pruneBotSentLocked() {
	cutoff := time.Now().Add(-m.cfg.DedupWindow)
	for k, t := range m.botSent {
		if t.Before(cutoff) {
			delete(m.botSent, k)
		}
	}
	for len(m.botSent) >= botEchoCap {
		var oldestKey string
		var oldestAt time.Time
		for k, t := range m.botSent {
			if oldestKey == "" || t.Before(oldestAt) {
				oldestKey, oldestAt = k, t
			}
		}
		delete(m.botSent, oldestKey)
	}
}

func (m *Manager) isDuplicate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Sub(m.lastSweep) > m.cfg.DedupWindow {
		cutoff := now.Add(-m.cfg.DedupWindow)
		for k, t := range m.seen {
			if t.Before(cutoff) {
				delete(m.seen, k)
			}
		}
		m.lastSweep = now
	}

	if _, ok := m.seen[id]; ok {
		m.deduped++
		return true
	}
	m.seen[id] = now
	return false
}

// isNoise drops fragments too short or made of bare punctuation, so a lone
// "?" never wakes the assistant.
func (m *Manager) isNoise(body string) bool {
	trimmed := strings.TrimSpace(body)
	if len([]rune(trimmed)) < m.cfg.MinFragmentLength {
		return true
	}
	return strings.Trim(trimmed, ".,;:!?¡¿-_~ ") == ""
}

func (m *Manager) addFragment(ctx context.Context, ev domain.InboundEvent, manual bool) {
	body := ev.Body
	if runes := []rune(body); len(runes) > m.cfg.MaxMessageLength {
		body = string(runes[:m.cfg.MaxMessageLength]) + truncationMarker
	}

	m.mu.Lock()
	bufs := m.buffers
	debounce := m.cfg.Debounce
	if manual {
		bufs = m.manual
		debounce = m.cfg.ManualDebounce
	}

	b, ok := bufs[ev.UserID]
	if !ok {
		b = &userBuffer{
			userID:   ev.UserID,
			chatID:   ev.ChatID,
			userName: ev.UserName,
			firstAt:  time.Now(),
		}
		bufs[ev.UserID] = b
	}
	if ev.UserName != "" {
		b.userName = ev.UserName
	}
	if ev.Kind == domain.KindVoice {
		b.hasVoice = true
	}

	if len(b.fragments) >= m.cfg.MaxMessages {
		m.mu.Unlock()
		m.logger.Warn().Str("user", ev.UserID).Int("max", m.cfg.MaxMessages).
			Msg("buffer full, dropping fragment")
		return
	}
	b.fragments = append(b.fragments, body)
	b.lastAt = time.Now()

	// quiet-period debounce: every fragment replaces the pending timer, so
	// exactly one timer is ever live per user
	if b.timer != nil {
		b.timer.Stop()
	}
	userID := ev.UserID
	b.timer = time.AfterFunc(debounce, func() {
		m.flush(context.WithoutCancel(ctx), userID, manual, "debounce")
	})
	snapshot := append([]string(nil), b.fragments...)
	m.mu.Unlock()

	if !manual {
		// write-through so a crash before the timer fires loses nothing
		if err := m.store.Persist(ev.UserID, ev.ChatID, ev.UserName, snapshot); err != nil {
			m.logger.Error().Err(err).Str("user", ev.UserID).Msg("pending write-through failed")
		}
	}
	m.logger.Debug().Str("user", ev.UserID).Int("fragments", len(snapshot)).
		Bool("manual", manual).Msg("fragment buffered")
}

// FlushNow forces an immediate flush of a user's buffer, bypassing the
// debounce timer. Used by maintenance commands and tests.
func (m *Manager) FlushNow(ctx context.Context, userID, reason string) {
	m.flush(ctx, userID, false, reason)
}

// flush finalizes a buffer and dispatches the turn. Flushing an empty or
// missing buffer is a no-op.
func (m *Manager) flush(ctx context.Context, userID string, manual bool, reason string) {
	m.mu.Lock()
	bufs := m.buffers
	if manual {
		bufs = m.manual
	}
	b, ok := bufs[userID]
	if !ok || len(b.fragments) == 0 {
		m.mu.Unlock()
		return
	}

	if m.inFlight[userID] {
		// a prior turn is still talking to the assistant; run again as soon
		// as it finishes rather than racing the same thread. The buffer kind
		// is recorded so release re-flushes the right map.
		q := m.again[userID]
		if manual {
			q.manual = true
		} else {
			q.user = true
		}
		m.again[userID] = q
		m.mu.Unlock()
		m.logger.Debug().Str("user", userID).Bool("manual", manual).Msg("flush deferred, turn in flight")
		return
	}
	m.inFlight[userID] = true

	if b.timer != nil {
		b.timer.Stop()
	}
	delete(bufs, userID)

	sep := "\n\n"
	if manual {
		sep = " "
	}
	turn := Turn{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatID:    b.chatID,
		UserName:  b.userName,
		Fragments: b.fragments,
		Text:      strings.Join(b.fragments, sep),
		Manual:    manual,
		HasVoice:  b.hasVoice,
	}
	m.flushed++
	m.mu.Unlock()

	if !manual {
		// remove-on-flush precedes the handoff; a crash mid-flush loses the
		// turn rather than duplicating it on recovery
		if err := m.store.Remove(userID); err != nil {
			m.logger.Error().Err(err).Str("user", userID).Msg("pending remove failed")
		}
	}

	m.logger.Info().Str("turn", turn.ID).Str("user", userID).Str("reason", reason).
		Int("fragments", len(turn.Fragments)).Bool("manual", manual).Msg("flushing turn")

	go m.dispatch(ctx, turn)
}

// dispatch hands one turn downstream with bounded retry, then releases the
// user's in-flight slot and re-flushes anything that queued up meanwhile.
func (m *Manager) dispatch(ctx context.Context, turn Turn) {
	defer m.release(ctx, turn.UserID)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.retries)), ctx)
	err := backoff.Retry(func() error {
		return m.handler.HandleTurn(ctx, turn)
	}, policy)
	if err == nil {
		return
	}

	m.logger.Error().Err(err).Str("turn", turn.ID).Str("user", turn.UserID).Msg("turn handoff failed after retries")
	if !turn.Manual {
		// park it back in the durable store so a later restart replays it
		if perr := m.store.Persist(turn.UserID, turn.ChatID, turn.UserName, turn.Fragments); perr != nil {
			m.logger.Error().Err(perr).Str("user", turn.UserID).Msg("failed to persist unflushed turn")
		}
	}
}

func (m *Manager) release(ctx context.Context, userID string) {
	m.mu.Lock()
	delete(m.inFlight, userID)
	q := m.again[userID]
	delete(m.again, userID)
	m.mu.Unlock()

	if q.user {
		m.flush(ctx, userID, false, "queued")
	}
	if q.manual {
		m.flush(ctx, userID, true, "queued")
	}
}

// Recover replays turns persisted by a previous process. Entries are spaced
// out by replayDelay to avoid a startup thundering herd downstream.
func (m *Manager) Recover(ctx context.Context, horizon, replayDelay time.Duration) error {
	entries, err := m.store.RecoverAll(horizon)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if i > 0 {
			select {
			case <-time.After(replayDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m.mu.Lock()
		if m.inFlight[e.UserID] {
			// recovered fragments live in the store, not a buffer, so a
			// queued re-flush would find nothing; park the entry back for
			// the next recovery pass instead
			m.mu.Unlock()
			if err := m.store.Persist(e.UserID, e.ChatID, e.UserName, e.Messages); err != nil {
				m.logger.Error().Err(err).Str("user", e.UserID).Msg("failed to re-persist deferred recovery entry")
			}
			continue
		}
		m.inFlight[e.UserID] = true
		m.flushed++
		m.mu.Unlock()

		turn := Turn{
			ID:        uuid.NewString(),
			UserID:    e.UserID,
			ChatID:    e.ChatID,
			UserName:  e.UserName,
			Fragments: e.Messages,
			Text:      strings.Join(e.Messages, "\n\n"),
			Recovered: true,
		}
		m.logger.Info().Str("user", e.UserID).Int("fragments", len(e.Messages)).
			Msg("replaying recovered turn")
		m.dispatch(ctx, turn)
	}
	return nil
}

// Stats reports pipeline counters for the stats endpoint.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"activeBuffers": len(m.buffers),
		"manualBuffers": len(m.manual),
		"inFlight":      len(m.inFlight),
		"flushedTurns":  m.flushed,
		"dedupedEvents": m.deduped,
		"noiseFiltered": m.filtered,
	}
}
