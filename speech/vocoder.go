package speech

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/go-resty/resty/v2"
)

const defaultSampleRate = 22050

// Vocoder calls a local neural vocoder service that returns raw 16-bit mono
// PCM and wraps the samples into a WAV container for inline playback.
type Vocoder struct {
	client     *resty.Client
	url        string
	sampleRate int
}

func NewVocoder(url string, sampleRate int) *Vocoder {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &Vocoder{
		client:     resty.New().SetTimeout(30 * time.Second),
		url:        url,
		sampleRate: sampleRate,
	}
}

type vocoderRequest struct {
	Text string `json:"text"`
}

func (v *Vocoder) Synthesize(ctx context.Context, text string) (Audio, error) {
	if text == "" {
		return Audio{}, fmt.Errorf("empty text")
	}
	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(vocoderRequest{Text: text}).
		Post(v.url)
	if err != nil {
		return Audio{}, fmt.Errorf("vocoder request: %w", err)
	}
	if resp.IsError() {
		return Audio{}, fmt.Errorf("vocoder returned %s", resp.Status())
	}
	pcm := resp.Body()
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return Audio{}, fmt.Errorf("vocoder returned %d bytes, expected non-empty 16-bit PCM", len(pcm))
	}
	wavBytes, err := WrapPCM(pcm, v.sampleRate)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Bytes: wavBytes, Format: FormatWAV}, nil
}

// WrapPCM puts little-endian 16-bit mono samples into a WAV container. The
// encoder needs a WriteSeeker to patch the header, so it goes through a temp
// file that is read back and removed.
func WrapPCM(pcm []byte, sampleRate int) ([]byte, error) {
	tmp, err := os.CreateTemp("", "vocoder-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	enc := wav.NewEncoder(tmp, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(tmp)
}
