package engine

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// decodeOutput parses the [1, 4+nc, N] tensor layout used by YOLOv8-style
// exports: per candidate a cx,cy,w,h box followed by one score per class.
func decodeOutput(out gocv.Mat, confThresh, sx, sy float32) ([]image.Rectangle, []float32, []int, error) {
	sz := out.Size()
	if len(sz) != 3 || sz[0] != 1 || sz[1] <= 4 {
		return nil, nil, nil, fmt.Errorf("unexpected output shape %v", sz)
	}
	channels := sz[1]
	candidates := sz[2]

	flat := out.Reshape(1, channels)
	defer flat.Close()
	pred := gocv.NewMat()
	defer pred.Close()
	gocv.Transpose(flat, &pred)

	var boxes []image.Rectangle
	var scores []float32
	var classes []int
	for i := 0; i < candidates; i++ {
		best := -1
		var bestScore float32
		for c := 4; c < channels; c++ {
			if s := pred.GetFloatAt(i, c); s > bestScore {
				bestScore = s
				best = c - 4
			}
		}
		if bestScore < confThresh {
			continue
		}
		cx := pred.GetFloatAt(i, 0)
		cy := pred.GetFloatAt(i, 1)
		w := pred.GetFloatAt(i, 2)
		h := pred.GetFloatAt(i, 3)
		boxes = append(boxes, image.Rect(
			int((cx-w/2)*sx),
			int((cy-h/2)*sy),
			int((cx+w/2)*sx),
			int((cy+h/2)*sy),
		))
		scores = append(scores, bestScore)
		classes = append(classes, best)
	}
	return boxes, scores, classes, nil
}
