package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	iface "AssistVisionServer/interface"
	"AssistVisionServer/logger"
	"AssistVisionServer/monitor"
	"AssistVisionServer/speech"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var overlayColor = color.RGBA{G: 255}

const speakTimeout = 15 * time.Second

// AudioSink receives synthesized audio for immediate playback. The session
// implements it by pushing a speech message down the websocket.
type AudioSink interface {
	Play(audio speech.Audio)
}

// Result is what one frame produced besides the in-place overlay.
type Result struct {
	Detections []iface.Detection
	Sentence   string
	Spoke      bool
}

// FrameProcessor runs the per-frame path: detect, resolve labels, draw the
// overlay, compose the announcement and hand new sentences to the speech
// backend. It carries the only mutable state of a video session, the last
// sentence spoken.
type FrameProcessor struct {
	mu           sync.Mutex
	backend      iface.Backend
	labels       []string
	synth        speech.Synthesizer
	sink         AudioSink
	lastSentence string
}

func New(backend iface.Backend, labels []string, synth speech.Synthesizer, sink AudioSink) *FrameProcessor {
	return &FrameProcessor{
		backend: backend,
		labels:  labels,
		synth:   synth,
		sink:    sink,
	}
}

// SetModel swaps the detector and label table for the next frame. The last
// spoken sentence deliberately carries over, matching current behavior of
// the environment selector.
func (p *FrameProcessor) SetModel(backend iface.Backend, labels []string) {
	p.mu.Lock()
	p.backend = backend
	p.labels = labels
	p.mu.Unlock()
}

// Process mutates img in place with rectangles and label text, and fires the
// announcement as a side effect when the composed sentence is new. The frame
// is returned to the transport by the caller.
func (p *FrameProcessor) Process(img *gocv.Mat) (Result, error) {
	p.mu.Lock()
	backend := p.backend
	labels := p.labels
	p.mu.Unlock()

	if backend == nil {
		return Result{}, fmt.Errorf("no detector selected")
	}

	dets, err := backend.Detect(*img)
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}
	monitor.FramesTotal.Inc()

	retained := make([]iface.Detection, 0, len(dets))
	names := make([]string, 0, len(dets))
	for _, det := range dets {
		// A class id outside the label table is dropped, not an error.
		if det.ClassID < 0 || det.ClassID >= len(labels) {
			continue
		}
		det.Label = labels[det.ClassID]
		retained = append(retained, det)
		names = append(names, det.Label)
		drawDetection(img, det)
	}
	monitor.DetectionsTotal.Add(float64(len(retained)))

	sentence := Sentence(names)
	res := Result{Detections: retained, Sentence: sentence}
	if sentence == "" {
		return res, nil
	}

	p.mu.Lock()
	if sentence != p.lastSentence {
		p.lastSentence = sentence
		res.Spoke = true
	}
	p.mu.Unlock()

	if res.Spoke {
		go p.speak(sentence)
	}
	return res, nil
}

// LastSentence reports the suppression state, used by tests and diagnostics.
func (p *FrameProcessor) LastSentence() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSentence
}

// speak is fire-and-forget: playback completion is never acknowledged and a
// failed synthesis is logged and dropped.
func (p *FrameProcessor) speak(sentence string) {
	ctx, cancel := context.WithTimeout(context.Background(), speakTimeout)
	defer cancel()
	audio, err := p.synth.Synthesize(ctx, sentence)
	if err != nil {
		logger.Log().Error("speech synthesis failed",
			zap.String("sentence", sentence), zap.Error(err))
		return
	}
	monitor.SpeechTotal.Inc()
	if p.sink != nil {
		p.sink.Play(audio)
	}
}

func drawDetection(img *gocv.Mat, det iface.Detection) {
	rect := image.Rect(det.Box.X1, det.Box.Y1, det.Box.X2, det.Box.Y2)
	gocv.Rectangle(img, rect, overlayColor, 2)
	gocv.PutText(img, det.Label, image.Pt(det.Box.X1, det.Box.Y1-10),
		gocv.FontHersheySimplex, 0.8, overlayColor, 2)
}
