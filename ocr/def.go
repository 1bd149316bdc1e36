package ocr

import (
	"fmt"
	"image"
	"strings"

	"AssistVisionServer/monitor"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// DefaultLanguage is the fixed Tesseract language code; there is no locale
// configuration beyond it.
const DefaultLanguage = "eng"

// Engine extracts raw text from a preprocessed PNG image.
type Engine interface {
	ExtractText(png []byte) (string, error)
}

// Tesseract runs the system Tesseract installation through gosseract.
type Tesseract struct {
	Language string
}

func (t *Tesseract) ExtractText(png []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	lang := t.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	if err := client.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("set language: %w", err)
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}

// Preprocess binarizes a captured still for text recognition: grayscale,
// 1.5x linear upscale for small text, 5x5 Gaussian blur against noise,
// adaptive Gaussian threshold (block 11, offset 2), then contrast doubled
// around mid-gray. Caller owns the returned mat.
func Preprocess(img gocv.Mat) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.Mat{}, fmt.Errorf("empty input image")
	}
	gray := gocv.NewMat()
	if img.Channels() == 1 {
		img.CopyTo(&gray)
	} else {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	resized := gocv.NewMat()
	gocv.Resize(gray, &resized, image.Point{}, 1.5, 1.5, gocv.InterpolationLinear)
	_ = gray.Close()

	blurred := gocv.NewMat()
	gocv.GaussianBlur(resized, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	_ = resized.Close()

	thresh := gocv.NewMat()
	gocv.AdaptiveThreshold(blurred, &thresh, 255,
		gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 11, 2)
	_ = blurred.Close()

	out := gocv.NewMat()
	thresh.ConvertToWithParams(&out, gocv.MatTypeCV8U, 2.0, -128)
	_ = thresh.Close()
	return out, nil
}

// NormalizeWhitespace collapses all whitespace runs to single spaces and
// trims the ends.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Result of one still-image capture. Found=false is the defined "no text
// found" outcome, distinct from an engine error.
type Result struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// Pipeline is the synchronous still-image path. No state survives a call.
type Pipeline struct {
	Engine Engine
}

// Run preprocesses the capture, extracts text and normalizes it.
func (p *Pipeline) Run(img gocv.Mat) (Result, error) {
	monitor.OCRTotal.Inc()
	pre, err := Preprocess(img)
	if err != nil {
		return Result{}, err
	}
	defer pre.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, pre)
	if err != nil {
		return Result{}, fmt.Errorf("encode preprocessed image: %w", err)
	}
	defer buf.Close()

	raw, err := p.Engine.ExtractText(buf.GetBytes())
	if err != nil {
		return Result{}, err
	}
	text := NormalizeWhitespace(raw)
	if text == "" {
		return Result{Found: false}, nil
	}
	return Result{Found: true, Text: text}, nil
}
