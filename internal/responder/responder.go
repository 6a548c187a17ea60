// Package responder turns a coalesced guest turn into an assistant reply:
// it reconciles guest metadata, maintains the assistant thread, serves the
// run, and sends the answer back through the gateway.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tealquilamos/rentbot/internal/assistant"
	"github.com/tealquilamos/rentbot/internal/buffer"
	"github.com/tealquilamos/rentbot/internal/clientcache"
	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
	"github.com/tealquilamos/rentbot/internal/store"
	"github.com/tealquilamos/rentbot/internal/whapi"
)

// Assistant is the thread/run surface the responder needs.
type Assistant interface {
	EnsureThread(ctx context.Context, threadID string) (string, error)
	AppendContext(ctx context.Context, threadID, note string) error
	SendTurn(ctx context.Context, threadID, turnID, text string) (*assistant.Reply, error)
}

// Gateway is the outbound messaging surface the responder needs. Sends return
// the gateway-assigned message ID.
type Gateway interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendVoice(ctx context.Context, to, audioBase64 string) (string, error)
	SendTyping(ctx context.Context, to string, typing bool)
	GetChatInfo(ctx context.Context, chatID string) (*whapi.ChatInfo, error)
}

// Tracker records the IDs of bot-sent messages so their webhook echoes can be
// suppressed upstream.
type Tracker interface {
	TrackBotMessage(messageID string)
}

// Voice synthesizes a reply as voice-note audio.
type Voice interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Responder implements buffer.TurnHandler.
type Responder struct {
	cache     *clientcache.Cache
	guests    *store.GuestStore
	gateway   Gateway
	assistant Assistant
	voice     Voice // nil when voice replies are disabled
	tracker   Tracker
	logger    *logging.Logger
}

// New creates a responder. voice may be nil.
func New(cache *clientcache.Cache, guests *store.GuestStore, gateway Gateway, as Assistant, voice Voice, logger *logging.Logger) *Responder {
	return &Responder{
		cache:     cache,
		guests:    guests,
		gateway:   gateway,
		assistant: as,
		voice:     voice,
		logger:    logger.Sub("responder"),
	}
}

// SetTracker wires the echo tracker. Set once at composition time; the
// buffer manager and responder reference each other.
func (r *Responder) SetTracker(t Tracker) { r.tracker = t }

// HandleTurn processes one coalesced turn. Called by the buffer manager with
// at most one concurrent invocation per user.
func (r *Responder) HandleTurn(ctx context.Context, turn buffer.Turn) error {
	if turn.Manual {
		return r.syncManualTurn(ctx, turn)
	}

	entry := r.resolveGuest(ctx, turn)

	threadID, err := r.assistant.EnsureThread(ctx, entry.ThreadID)
	if err != nil {
		return err
	}
	if threadID != entry.ThreadID {
		entry.ThreadID = threadID
		r.cache.Set(entry)
		if err := r.guests.UpdateThread(turn.UserID, threadID); err != nil {
			r.logger.Error().Err(err).Str("user", turn.UserID).Msg("thread persist failed")
		}
	}

	r.injectContext(ctx, turn.UserID, entry)

	r.gateway.SendTyping(ctx, turn.ChatID, true)
	defer r.gateway.SendTyping(ctx, turn.ChatID, false)

	reply, err := r.assistant.SendTurn(ctx, threadID, turn.ID, turn.Text)
	if err != nil {
		if fallback := assistant.Fallback(err); fallback != "" {
			r.logger.Warn().Err(err).Str("user", turn.UserID).Msg("assistant failed, sending fallback")
			return r.deliver(ctx, turn, fallback, false)
		}
		return err
	}

	r.cache.UpdateTokenCount(turn.UserID, reply.TotalTokens)
	if err := r.guests.UpdateTokenCount(turn.UserID, reply.TotalTokens); err != nil {
		r.logger.Error().Err(err).Str("user", turn.UserID).Msg("token count persist failed")
	}

	return r.deliver(ctx, turn, reply.Text, turn.HasVoice)
}

// syncManualTurn appends a human agent's words to the guest's thread so the
// assistant doesn't repeat or contradict them. No reply is generated.
func (r *Responder) syncManualTurn(ctx context.Context, turn buffer.Turn) error {
	guest := r.guests.Get(turn.UserID)
	if guest == nil || guest.ThreadID == "" {
		r.logger.Debug().Str("user", turn.UserID).Msg("manual turn for guest without thread, skipping sync")
		return nil
	}
	note := "[Mensaje enviado por el equipo, no respondas a esto]: " + turn.Text
	return r.assistant.AppendContext(ctx, guest.ThreadID, note)
}

// resolveGuest returns a cache entry for the turn's user, refreshing from the
// database and the gateway profile when the cache says so. The cache is never
// authoritative; a miss means "go look", not "unknown guest".
func (r *Responder) resolveGuest(ctx context.Context, turn buffer.Turn) *clientcache.Entry {
	if !r.cache.NeedsUpdate(turn.UserID, turn.UserName, nil) {
		if entry := r.cache.Get(turn.UserID); entry != nil {
			return entry
		}
		// evicted between the check and the read; fall through to a refresh
	}

	guest := r.guests.Get(turn.UserID)
	if guest == nil {
		guest = &domain.Guest{PhoneNumber: turn.UserID, ChatID: turn.ChatID}
	}
	if turn.UserName != "" {
		guest.UserName = turn.UserName
	}

	if info, err := r.gateway.GetChatInfo(ctx, turn.ChatID); err != nil {
		r.logger.Debug().Err(err).Str("user", turn.UserID).Msg("chat profile fetch failed, using stored data")
	} else {
		if name := domain.CleanContactName(info.Name, turn.UserID); name != "" {
			guest.Name = name
		}
		if info.Labels != nil {
			guest.Labels = info.Labels
		}
	}

	guest.LastActivity = time.Now()
	if err := r.guests.Upsert(guest); err != nil {
		r.logger.Error().Err(err).Str("user", turn.UserID).Msg("guest upsert failed")
	}

	// carry over injection bookkeeping from any prior entry
	entry := &clientcache.Entry{
		PhoneNumber:      guest.PhoneNumber,
		Name:             guest.Name,
		UserName:         guest.UserName,
		Labels:           guest.Labels,
		ChatID:           turn.ChatID,
		ThreadID:         guest.ThreadID,
		ThreadTokenCount: guest.ThreadTokenCount,
		CachedAt:         time.Now(),
	}
	if prior := r.cache.Get(turn.UserID); prior != nil {
		entry.ContextSent = prior.ContextSent
		entry.LastContextHash = prior.LastContextHash
	}
	r.cache.Set(entry)
	return entry
}

// injectContext re-sends guest context to the thread only when its hash
// changed since the last injection.
func (r *Responder) injectContext(ctx context.Context, userID string, entry *clientcache.Entry) {
	if entry.Name == "" && entry.UserName == "" && len(entry.Labels) == 0 {
		return
	}
	changed, hash := r.cache.ContextChanged(userID)
	if !changed {
		return
	}
	note := guestContextNote(entry)
	if err := r.assistant.AppendContext(ctx, entry.ThreadID, note); err != nil {
		// flag the entry so the next turn refreshes and retries the injection
		r.cache.MarkForSync(userID)
		r.logger.Warn().Err(err).Str("user", userID).Msg("context injection failed")
		return
	}
	r.cache.MarkContextSent(userID, hash)
	r.logger.Debug().Str("user", userID).Msg("guest context injected")
}

func guestContextNote(e *clientcache.Entry) string {
	var b strings.Builder
	b.WriteString("[Contexto del huésped]")
	if e.Name != "" {
		fmt.Fprintf(&b, " Nombre: %s.", e.Name)
	}
	if e.UserName != "" {
		fmt.Fprintf(&b, " Usuario: %s.", e.UserName)
	}
	if len(e.Labels) > 0 {
		fmt.Fprintf(&b, " Etiquetas: %s.", strings.Join(e.Labels, ", "))
	}
	return b.String()
}

// deliver sends the reply, as a voice note when the guest spoke one and
// synthesis succeeds, otherwise as text. The sent-message ID is tracked so
// the webhook echo of our own reply is never mistaken for an agent message.
func (r *Responder) deliver(ctx context.Context, turn buffer.Turn, text string, asVoice bool) error {
	if asVoice && r.voice != nil {
		audio, err := r.voice.Synthesize(ctx, text)
		if err == nil {
			if id, err := r.gateway.SendVoice(ctx, turn.ChatID, audio); err == nil {
				r.trackSent(id)
				return nil
			}
			r.logger.Warn().Str("user", turn.UserID).Msg("voice send failed, falling back to text")
		} else {
			r.logger.Warn().Err(err).Str("user", turn.UserID).Msg("voice synthesis failed, falling back to text")
		}
	}
	id, err := r.gateway.SendText(ctx, turn.ChatID, text)
	if err != nil {
		return err
	}
	r.trackSent(id)
	return nil
}

func (r *Responder) trackSent(messageID string) {
	if messageID != "" && r.tracker != nil {
		r.tracker.TrackBotMessage(messageID)
	}
}
