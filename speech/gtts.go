package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTranslateTTSURL = "https://translate.google.com/translate_tts"

// GTTS fetches MP3 audio from the Google Translate TTS endpoint, the same
// service the gtts clients wrap.
type GTTS struct {
	client  *resty.Client
	baseURL string
	lang    string
}

func NewGTTS(lang string) *GTTS {
	if lang == "" {
		lang = "en"
	}
	return &GTTS{
		client:  resty.New().SetTimeout(10 * time.Second),
		baseURL: defaultTranslateTTSURL,
		lang:    lang,
	}
}

func (g *GTTS) Synthesize(ctx context.Context, text string) (Audio, error) {
	if text == "" {
		return Audio{}, fmt.Errorf("empty text")
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ie":     "UTF-8",
			"client": "tw-ob",
			"tl":     g.lang,
			"q":      text,
		}).
		Get(g.baseURL)
	if err != nil {
		return Audio{}, fmt.Errorf("tts request: %w", err)
	}
	if resp.IsError() {
		return Audio{}, fmt.Errorf("tts server returned %s", resp.Status())
	}
	return Audio{Bytes: resp.Body(), Format: FormatMP3}, nil
}
