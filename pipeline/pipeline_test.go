package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	iface "AssistVisionServer/interface"
	"AssistVisionServer/speech"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

type fakeBackend struct {
	dets []iface.Detection
	err  error
}

func (f *fakeBackend) LoadModel(string, float32, float32, bool) error { return nil }
func (f *fakeBackend) Detect(gocv.Mat) ([]iface.Detection, error)     { return f.dets, f.err }
func (f *fakeBackend) CheckConfig() iface.EngineConfig                { return iface.EngineConfig{} }
func (f *fakeBackend) Close() error                                   { return nil }

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{done: make(chan struct{}, 16)}
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (speech.Audio, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	f.done <- struct{}{}
	return speech.Audio{Bytes: []byte("audio"), Format: speech.FormatMP3}, nil
}

func (f *fakeSynth) waitCalls(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for synthesis call %d", i+1)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSink struct {
	mu     sync.Mutex
	played []speech.Audio
}

func (f *fakeSink) Play(a speech.Audio) {
	f.mu.Lock()
	f.played = append(f.played, a)
	f.mu.Unlock()
}

func det(classID int, x1, y1, x2, y2 int) iface.Detection {
	return iface.Detection{
		ClassID: classID,
		Conf:    0.9,
		Box:     iface.Box{X1: x1, Y1: y1, X2: x2, Y2: y2},
	}
}

func testMat() gocv.Mat {
	return gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
}

func TestProcess_SentenceFromDuplicates(t *testing.T) {
	// Outdoor scenario: {car, car, bus} -> two distinct labels, 3 overlays.
	labels := []string{"bike", "bus", "car"}
	backend := &fakeBackend{dets: []iface.Detection{
		det(2, 10, 10, 50, 50),
		det(2, 100, 100, 150, 150),
		det(1, 200, 200, 300, 300),
	}}
	synth := newFakeSynth()
	sink := &fakeSink{}
	p := New(backend, labels, synth, sink)

	img := testMat()
	defer img.Close()
	res, err := p.Process(&img)
	assert.NoError(t, err)
	assert.Len(t, res.Detections, 3)
	assert.Equal(t, "car and bus ahead", res.Sentence)
	assert.True(t, res.Spoke)

	calls := synth.waitCalls(t, 1)
	assert.Equal(t, []string{"car and bus ahead"}, calls)
}

func TestProcess_EmptyDetections(t *testing.T) {
	synth := newFakeSynth()
	p := New(&fakeBackend{}, []string{"car"}, synth, nil)

	img := testMat()
	defer img.Close()
	res, err := p.Process(&img)
	assert.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.Equal(t, "", res.Sentence)
	assert.False(t, res.Spoke)
	assert.Equal(t, "", p.LastSentence())
	assert.Empty(t, synth.calls)
}

func TestProcess_RepeatSuppression(t *testing.T) {
	backend := &fakeBackend{dets: []iface.Detection{det(0, 10, 10, 40, 40)}}
	synth := newFakeSynth()
	p := New(backend, []string{"chair"}, synth, nil)

	img := testMat()
	defer img.Close()
	for i := 0; i < 5; i++ {
		res, err := p.Process(&img)
		assert.NoError(t, err)
		assert.Equal(t, "chair ahead", res.Sentence)
		assert.Equal(t, i == 0, res.Spoke)
	}
	calls := synth.waitCalls(t, 1)
	assert.Equal(t, []string{"chair ahead"}, calls)

	// An empty frame leaves the remembered sentence untouched, so the same
	// sentence stays suppressed afterwards.
	backend.dets = nil
	res, err := p.Process(&img)
	assert.NoError(t, err)
	assert.False(t, res.Spoke)
	assert.Equal(t, "chair ahead", p.LastSentence())

	backend.dets = []iface.Detection{det(0, 10, 10, 40, 40)}
	res, err = p.Process(&img)
	assert.NoError(t, err)
	assert.False(t, res.Spoke)
}

func TestProcess_OutOfRangeClassDropped(t *testing.T) {
	backend := &fakeBackend{dets: []iface.Detection{
		det(0, 10, 10, 40, 40),
		det(7, 50, 50, 90, 90),
		det(-1, 60, 60, 70, 70),
	}}
	synth := newFakeSynth()
	p := New(backend, []string{"person"}, synth, nil)

	img := testMat()
	defer img.Close()
	res, err := p.Process(&img)
	assert.NoError(t, err)
	assert.Len(t, res.Detections, 1)
	assert.Equal(t, "person", res.Detections[0].Label)
	assert.Equal(t, "person ahead", res.Sentence)
}

func TestProcess_DetectorError(t *testing.T) {
	p := New(&fakeBackend{err: fmt.Errorf("inference failed")}, nil, newFakeSynth(), nil)
	img := testMat()
	defer img.Close()
	_, err := p.Process(&img)
	assert.Error(t, err)
}

func TestSetModel_KeepsSuppressionState(t *testing.T) {
	indoor := &fakeBackend{dets: []iface.Detection{det(0, 10, 10, 40, 40)}}
	outdoor := &fakeBackend{dets: []iface.Detection{det(0, 10, 10, 40, 40)}}
	synth := newFakeSynth()
	p := New(indoor, []string{"chair"}, synth, nil)

	img := testMat()
	defer img.Close()
	res, err := p.Process(&img)
	assert.NoError(t, err)
	assert.True(t, res.Spoke)
	synth.waitCalls(t, 1)

	// Switching environment swaps the model and labels for the next frame.
	p.SetModel(outdoor, []string{"car"})
	res, err = p.Process(&img)
	assert.NoError(t, err)
	assert.Equal(t, "car ahead", res.Sentence)
	assert.True(t, res.Spoke)
	synth.waitCalls(t, 1)

	// The last sentence survives the switch: the indoor sentence would still
	// be suppressed if it came back.
	p.SetModel(indoor, []string{"chair"})
	res, err = p.Process(&img)
	assert.NoError(t, err)
	assert.True(t, res.Spoke) // "chair ahead" differs from "car ahead"
}

func TestProcess_SinkReceivesAudio(t *testing.T) {
	backend := &fakeBackend{dets: []iface.Detection{det(0, 10, 10, 40, 40)}}
	synth := newFakeSynth()
	sink := &fakeSink{}
	p := New(backend, []string{"stairs"}, synth, sink)

	img := testMat()
	defer img.Close()
	_, err := p.Process(&img)
	assert.NoError(t, err)
	synth.waitCalls(t, 1)

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.played) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, speech.FormatMP3, sink.played[0].Format)
}

func TestSentence(t *testing.T) {
	assert.Equal(t, "", Sentence(nil))
	assert.Equal(t, "car ahead", Sentence([]string{"car"}))
	assert.Equal(t, "car ahead", Sentence([]string{"car", "car", "car"}))
	assert.Equal(t, "car and bus and van ahead", Sentence([]string{"car", "bus", "car", "van"}))
}
