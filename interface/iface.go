package iface

import (
	"context"
	"encoding/json"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// BBox 像素坐标 (x1, y1, x2, y2)
type BBox [4]float32

// UnmarshalJSON accepts both the flat [x1,y1,x2,y2] form and the nested [[x1,y1,x2,y2]] form
// that some inference servers emit.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var flat [4]float32
	if err := json.Unmarshal(data, &flat); err == nil {
		*b = flat
		return nil
	}
	var nested [][4]float32
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(nested) != 1 {
		return fmt.Errorf("bbox: expected one box, got %d", len(nested))
	}
	*b = nested[0]
	return nil
}

// Rect truncates the box to integer pixel coordinates.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

type EngineConfig struct {
	Backend   string
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
}

// Detector is the process-wide detection backend. Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img gocv.Mat) ([]Detection, error)
	CheckConfig() EngineConfig
	Destroy()
}
