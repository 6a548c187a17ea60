package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "silent")
}

func TestNormalizeTextMessage(t *testing.T) {
	body := `{
		"messages": [{
			"id": "msg1",
			"from": "5551234567@s.whatsapp.net",
			"from_name": "Maria",
			"chat_id": "5551234567@s.whatsapp.net",
			"type": "text",
			"timestamp": 1756700000,
			"text": {"body": "hola, quiero reservar"}
		}]
	}`
	events, err := Normalize([]byte(body), testLogger())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "msg1", ev.ID)
	assert.Equal(t, "5551234567", ev.UserID)
	assert.Equal(t, "5551234567@s.whatsapp.net", ev.ChatID)
	assert.Equal(t, "Maria", ev.UserName)
	assert.Equal(t, domain.KindText, ev.Kind)
	assert.Equal(t, "hola, quiero reservar", ev.Body)
	assert.Equal(t, time.Unix(1756700000, 0), ev.Timestamp)
}

func TestNormalizeMediaTypes(t *testing.T) {
	body := `{
		"messages": [
			{"id": "m1", "from": "555", "type": "voice", "voice": {"link": "https://cdn/v.ogg"}},
			{"id": "m2", "from": "555", "type": "image", "image": {"link": "https://cdn/i.jpg", "caption": "el patio"}},
			{"id": "m3", "from": "555", "type": "sticker"}
		]
	}`
	events, err := Normalize([]byte(body), testLogger())
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, domain.KindVoice, events[0].Kind)
	assert.Equal(t, "https://cdn/v.ogg", events[0].MediaURL)
	assert.Equal(t, domain.KindImage, events[1].Kind)
	assert.Equal(t, "el patio", events[1].Caption)
	assert.Equal(t, domain.KindOther, events[2].Kind)
}

func TestNormalizePartialBatch(t *testing.T) {
	body := `{
		"messages": [
			{"id": "", "from": "555", "type": "text"},
			{"id": "ok", "from": "555", "type": "text", "text": {"body": "hi"}},
			{"id": "x", "from": "", "type": "text"}
		]
	}`
	events, err := Normalize([]byte(body), testLogger())
	require.NoError(t, err, "valid subset must survive invalid siblings")
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].ID)
}

func TestNormalizePresences(t *testing.T) {
	body := `{
		"presences": [
			{"contact_id": "555@s.whatsapp.net", "status": "typing"},
			{"contact_id": "", "status": "online"}
		]
	}`
	events, err := Normalize([]byte(body), testLogger())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindPresence, events[0].Kind)
	assert.Equal(t, "typing", events[0].Presence)
	assert.Equal(t, "555", events[0].UserID)
}

func TestNormalizeRejectsEmptyAndMalformed(t *testing.T) {
	_, err := Normalize([]byte(`{}`), testLogger())
	assert.Error(t, err)

	_, err = Normalize([]byte(`{"messages": [], "presences": []}`), testLogger())
	assert.Error(t, err)

	_, err = Normalize([]byte(`not json`), testLogger())
	assert.Error(t, err)
}

func TestSanitizeStripsDangerousKeys(t *testing.T) {
	doc := map[string]any{
		"__proto__": map[string]any{"polluted": true},
		"messages": []any{
			map[string]any{
				"id":          "m1",
				"constructor": "bad",
				"text":        map[string]any{"body": "hi", "prototype": "bad"},
			},
		},
	}
	Sanitize(doc)

	assert.NotContains(t, doc, "__proto__")
	msg := doc["messages"].([]any)[0].(map[string]any)
	assert.NotContains(t, msg, "constructor")
	assert.NotContains(t, msg["text"].(map[string]any), "prototype")
	assert.Equal(t, "m1", msg["id"])
}

// --- server tests ---

type captureHandler struct {
	mu     sync.Mutex
	events []domain.InboundEvent
	done   chan struct{}
}

func (h *captureHandler) HandleEvents(ctx context.Context, events []domain.InboundEvent) {
	h.mu.Lock()
	h.events = append(h.events, events...)
	h.mu.Unlock()
	select {
	case h.done <- struct{}{}:
	default:
	}
}

func newHookServer(t *testing.T, cfg config.ServerConfig) (*httptest.Server, *captureHandler) {
	t.Helper()
	h := &captureHandler{done: make(chan struct{}, 1)}
	s := NewServer(cfg, h, func() map[string]any {
		return map[string]any{"buffers": 0}
	}, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", s.handleHook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	srv := httptest.NewServer(s.withLogging(mux))
	t.Cleanup(srv.Close)
	return srv, h
}

func TestHookAcksAndDispatches(t *testing.T) {
	srv, h := newHookServer(t, config.ServerConfig{})

	body := `{"messages":[{"id":"m1","from":"555","type":"text","text":{"body":"hola"}}]}`
	resp, err := http.Post(srv.URL+"/hook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received events")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 1)
	assert.Equal(t, "m1", h.events[0].ID)
}

func TestHookRejectsBadPayload(t *testing.T) {
	srv, _ := newHookServer(t, config.ServerConfig{})

	resp, err := http.Post(srv.URL+"/hook", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHookSecretCheck(t *testing.T) {
	srv, _ := newHookServer(t, config.ServerConfig{WebhookSecret: "s3cret"})

	body := `{"messages":[{"id":"m1","from":"555","type":"text"}]}`
	resp, err := http.Post(srv.URL+"/hook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/hook?token=s3cret", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndStats(t *testing.T) {
	srv, _ := newHookServer(t, config.ServerConfig{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	data, _ := io.ReadAll(resp2.Body)
	assert.Contains(t, string(data), "buffers")
	assert.Contains(t, string(data), "uptime")
}
