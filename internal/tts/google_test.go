package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, "silent")
}

func newFakeSynthesizer(t *testing.T, handler http.HandlerFunc) *Synthesizer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), config.VoiceConfig{
		APIKey:       "test-key",
		LanguageCode: "es-US",
		VoiceName:    "es-US-Neural2-A",
	}, testLogger(), option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	return s
}

func TestSynthesize(t *testing.T) {
	var got map[string]any
	s := newFakeSynthesizer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"audioContent":"T2dnUw=="}`)
	})

	audio, err := s.Synthesize(context.Background(), "Hola, tenemos disponibilidad")
	require.NoError(t, err)
	assert.Equal(t, "T2dnUw==", audio)

	input := got["input"].(map[string]any)
	assert.Equal(t, "Hola, tenemos disponibilidad", input["text"])
	audioCfg := got["audioConfig"].(map[string]any)
	assert.Equal(t, "OGG_OPUS", audioCfg["audioEncoding"])
}

func TestSynthesizeEmptyAudio(t *testing.T) {
	s := newFakeSynthesizer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"audioContent":""}`)
	})

	_, err := s.Synthesize(context.Background(), "hola")
	assert.Error(t, err)
}
