package ocr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

type fakeEngine struct {
	text  string
	err   error
	calls int
}

func (f *fakeEngine) ExtractText([]byte) (string, error) {
	f.calls++
	return f.text, f.err
}

func whiteMat(rows, cols int) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0),
		rows, cols, gocv.MatTypeCV8UC3)
	return m
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "", NormalizeWhitespace(""))
	assert.Equal(t, "", NormalizeWhitespace(" \n\t "))
	assert.Equal(t, "exit here", NormalizeWhitespace("  exit \n\n here\t"))
	assert.Equal(t, "a b c", NormalizeWhitespace("a\nb\nc"))
}

func TestPreprocess(t *testing.T) {
	img := whiteMat(100, 80)
	defer img.Close()

	out, err := Preprocess(img)
	assert.NoError(t, err)
	defer out.Close()

	// Single channel, upscaled by 1.5x.
	assert.Equal(t, 1, out.Channels())
	assert.Equal(t, 150, out.Rows())
	assert.Equal(t, 120, out.Cols())

	// A uniform white page binarizes to white; the threshold's local mean
	// equals the pixel value everywhere, so nothing flips to black.
	mean := out.Mean()
	assert.Greater(t, mean.Val1, 250.0)
}

func TestPreprocess_GrayInput(t *testing.T) {
	img := gocv.NewMatWithSize(40, 40, gocv.MatTypeCV8UC1)
	defer img.Close()

	out, err := Preprocess(img)
	assert.NoError(t, err)
	defer out.Close()
	assert.Equal(t, 60, out.Rows())
}

func TestPreprocess_EmptyInput(t *testing.T) {
	var img gocv.Mat
	_, err := Preprocess(img)
	assert.Error(t, err)
}

func TestPipeline_NoTextFound(t *testing.T) {
	// Blank page: OCR returns nothing, the pipeline reports the defined
	// "no text found" outcome rather than an error.
	eng := &fakeEngine{text: "   \n  "}
	p := &Pipeline{Engine: eng}

	img := whiteMat(64, 64)
	defer img.Close()

	res, err := p.Run(img)
	assert.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, 1, eng.calls)
}

func TestPipeline_TextFound(t *testing.T) {
	eng := &fakeEngine{text: "EMERGENCY \n EXIT  "}
	p := &Pipeline{Engine: eng}

	img := whiteMat(64, 64)
	defer img.Close()

	res, err := p.Run(img)
	assert.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "EMERGENCY EXIT", res.Text)
}

func TestPipeline_EngineError(t *testing.T) {
	p := &Pipeline{Engine: &fakeEngine{err: fmt.Errorf("tesseract crashed")}}

	img := whiteMat(64, 64)
	defer img.Close()

	_, err := p.Run(img)
	assert.Error(t, err)
}
