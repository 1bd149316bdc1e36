package speech

import (
	"context"
	"fmt"
)

const (
	FormatMP3 = "mp3"
	FormatWAV = "wav"
)

// Audio is one synthesized utterance ready for inline playback.
type Audio struct {
	Bytes  []byte
	Format string
}

// Synthesizer converts a text string to audio bytes. Both backends are
// interchangeable behind this interface; the frame processor does not know
// which one is active.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

type Config struct {
	Backend    string // "gtts" or "vocoder"
	Language   string
	VocoderURL string
	SampleRate int
}

// New builds the synthesizer selected by config.
func New(cfg Config) (Synthesizer, error) {
	switch cfg.Backend {
	case "gtts", "":
		return NewGTTS(cfg.Language), nil
	case "vocoder":
		if cfg.VocoderURL == "" {
			return nil, fmt.Errorf("vocoder backend requires VocoderURL")
		}
		return NewVocoder(cfg.VocoderURL, cfg.SampleRate), nil
	default:
		return nil, fmt.Errorf("unknown speech backend %q", cfg.Backend)
	}
}
