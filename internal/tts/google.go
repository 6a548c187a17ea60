// Package tts synthesizes voice-note replies with the Google Cloud
// Text-to-Speech API.
package tts

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/tealquilamos/rentbot/internal/config"
	"github.com/tealquilamos/rentbot/internal/logging"
)

// Synthesizer converts reply text into OGG/Opus audio suitable for a
// WhatsApp voice note.
type Synthesizer struct {
	svc    *texttospeech.Service
	cfg    config.VoiceConfig
	logger *logging.Logger
}

// New creates a synthesizer. extraOpts is used by tests to point the client
// at a fake endpoint.
func New(ctx context.Context, cfg config.VoiceConfig, logger *logging.Logger, extraOpts ...option.ClientOption) (*Synthesizer, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, extraOpts...)
	svc, err := texttospeech.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tts: create service: %w", err)
	}
	return &Synthesizer{svc: svc, cfg: cfg, logger: logger.Sub("tts")}, nil
}

// Synthesize returns base64-encoded OGG/Opus audio for the given text, ready
// to pass to the gateway's voice-note send.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: s.cfg.LanguageCode,
			Name:         s.cfg.VoiceName,
		},
		AudioConfig: &texttospeech.AudioConfig{AudioEncoding: "OGG_OPUS"},
	}
	resp, err := s.svc.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("tts: synthesize: %w", err)
	}
	if resp.AudioContent == "" {
		return "", fmt.Errorf("tts: empty audio for %d chars of text", len(text))
	}
	s.logger.Debug().Int("chars", len(text)).Msg("synthesized voice reply")
	return resp.AudioContent, nil
}
