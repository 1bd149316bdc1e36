package iface

import "gocv.io/x/gocv"

// Box is an axis-aligned bounding box in source-image pixel coordinates.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is one object found in a frame. Label is empty when produced by
// the engine; the frame processor fills it in from the active label table.
type Detection struct {
	ClassID int     `json:"-"`
	Label   string  `json:"label"`
	Conf    float32 `json:"confidence"`
	Box     Box     `json:"box"`
}

type EngineConfig struct {
	ModelPath string
	InputSize int
	Conf      float32
	Iou       float32
	UseGPU    bool
}

// Backend is one loaded detector instance, shared by every session bound to
// its environment. Implementations must be safe for concurrent use: Detect
// calls from sibling sessions serialize inside the backend.
type Backend interface {
	LoadModel(modelPath string, conf float32, iou float32, useGPU bool) error
	Detect(img gocv.Mat) ([]Detection, error)
	CheckConfig() EngineConfig
	Close() error
}
