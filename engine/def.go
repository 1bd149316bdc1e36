package engine

import (
	"fmt"
	"image"
	"os"
	"sync"

	iface "AssistVisionServer/interface"

	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

// DefaultInputSize matches the 640x640 input of the exported YOLO models.
const DefaultInputSize = 640

// Detector runs a YOLO-family ONNX model through the OpenCV DNN module.
// The two detectors are process-wide singletons shared by every session, so
// all state access and inference is serialized by mu: a cv::dnn::Net does
// not support concurrent Forward calls.
type Detector struct {
	ModelPath string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int
	mu        sync.Mutex
	net       gocv.Net
}

func (d *Detector) New() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputSize = DefaultInputSize
	d.State = REGISTERED
	return true
}

func (d *Detector) LoadModel(modelPath string, conf float32, iou float32, useGPU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != REGISTERED {
		return fmt.Errorf("detector not registered")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model artifact: %w", err)
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("failed to read model from %s", modelPath)
	}
	if useGPU {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("CUDA backend unavailable: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("CUDA target unavailable: %w", err)
		}
	}
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.net = net
	d.State = IDLE
	return nil
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface.EngineConfig{
		ModelPath: d.ModelPath,
		InputSize: d.InputSize,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
	}
}

// Detect runs one forward pass and returns detections above the confidence
// threshold, class-agnostic NMS applied. Boxes are in source-image pixels.
// Concurrent callers queue on the detector's mutex rather than being
// rejected; a loaded frame is never turned away because a sibling session
// got there first.
func (d *Detector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty input image")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case IDLE:
	case REGISTERED:
		return nil, fmt.Errorf("model not loaded")
	default:
		return nil, fmt.Errorf("detector not registered")
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	blob := gocv.BlobFromImage(img, 1.0/255.0,
		image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	// Stretch resize in BlobFromImage, so scale each axis back independently.
	sx := float32(img.Cols()) / float32(d.InputSize)
	sy := float32(img.Rows()) / float32(d.InputSize)
	boxes, scores, classes, err := decodeOutput(out, d.Conf, sx, sy)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, d.Conf, d.Iou)
	dets := make([]iface.Detection, 0, len(keep))
	for _, i := range keep {
		dets = append(dets, iface.Detection{
			ClassID: classes[i],
			Conf:    scores[i],
			Box: iface.Box{
				X1: boxes[i].Min.X,
				Y1: boxes[i].Min.Y,
				X2: boxes[i].Max.X,
				Y2: boxes[i].Max.Y,
			},
		})
	}
	return dets, nil
}

// Warmup pushes a few small black frames through the network so the first
// real frame does not pay the lazy-initialization cost.
func (d *Detector) Warmup(passes int) {
	warmMat := gocv.NewMatWithSize(DefaultInputSize, DefaultInputSize, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for i := 0; i < passes; i++ {
		func() {
			defer func() {
				_ = recover()
			}()
			_, _ = d.Detect(warmMat)
		}()
	}
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.State == IDLE {
		err = d.net.Close()
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
	return err
}
