package engine

import (
	"context"
	"fmt"
	"image"
	"sync"

	iface "AnnoDetServer/interface"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

// 按类别平移框，使单次 NMSBoxes 只在同类之间抑制
const classOffset = 7680

var ortOnce sync.Once
var ortErr error

type OnnxParam struct {
	LibPath    string
	ModelPath  string
	Names      []string
	Conf       float32
	Iou        float32
	InputSize  int
	InputName  string
	OutputName string
}

// OnnxDetector runs a YOLOv8-style export ([1, 4+nc, anchors] output) through onnxruntime.
type OnnxDetector struct {
	mu        sync.Mutex
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	anchors   int
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
}

type candidate struct {
	classID int
	score   float32
	box     [4]float32 // x1,y1,x2,y2 in model input pixels
}

func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}

func initEnvironment(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			ortErr = ort.InitializeEnvironment()
		}
	})
	return ortErr
}

func NewOnnx(p OnnxParam) (*OnnxDetector, error) {
	if len(p.Names) == 0 {
		return nil, fmt.Errorf("onnx backend needs class names")
	}
	if err := initEnvironment(p.LibPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	d := &OnnxDetector{
		ModelPath: p.ModelPath,
		Names:     p.Names,
		Conf:      p.Conf,
		Iou:       p.Iou,
		InputSize: p.InputSize,
		anchors:   anchorCount(p.InputSize),
	}
	size := int64(p.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(p.Names)), int64(d.anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		p.ModelPath,
		[]string{p.InputName},
		[]string{p.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}
	d.input, d.output, d.session = input, output, session
	return d, nil
}

func (d *OnnxDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendOnnx,
		ModelPath: d.ModelPath,
		Names:     d.Names,
		Conf:      d.Conf,
		Iou:       d.Iou,
	}
}

func (d *OnnxDetector) Detect(ctx context.Context, img gocv.Mat) ([]iface.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := image.Pt(d.InputSize, d.InputSize)
	// BGR -> RGB, 缩放到 0..1，NCHW
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	d.mu.Lock()
	copy(d.input.GetData(), data)
	err = d.session.Run()
	var raw []float32
	if err == nil {
		raw = append(raw, d.output.GetData()...)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	cands := decodeOutput(raw, len(d.Names), d.anchors, d.Conf)
	kept := suppress(cands, d.Conf, d.Iou)
	sx := float32(img.Cols()) / float32(d.InputSize)
	sy := float32(img.Rows()) / float32(d.InputSize)
	dets := make([]iface.Detection, 0, len(kept))
	for _, c := range kept {
		dets = append(dets, iface.Detection{
			Class:      d.Names[c.classID],
			Confidence: c.score,
			BBox:       iface.BBox{c.box[0] * sx, c.box[1] * sy, c.box[2] * sx, c.box[3] * sy},
		})
	}
	return dets, nil
}

func (d *OnnxDetector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		_ = d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		_ = d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		_ = d.output.Destroy()
		d.output = nil
	}
}

// decodeOutput reads the [4+nc, anchors] row-major head: cx, cy, w, h followed by per-class scores.
func decodeOutput(raw []float32, numClasses, anchors int, conf float32) []candidate {
	if len(raw) < (4+numClasses)*anchors {
		return nil
	}
	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			s := raw[(4+c)*anchors+i]
			if s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy := raw[i], raw[anchors+i]
		w, h := raw[2*anchors+i], raw[3*anchors+i]
		out = append(out, candidate{
			classID: best,
			score:   bestScore,
			box:     [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
		})
	}
	return out
}

// suppress delegates NMS to OpenCV; the returned order is by descending score.
func suppress(cands []candidate, conf, iou float32) []candidate {
	if len(cands) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		off := c.classID * classOffset
		rects[i] = image.Rect(int(c.box[0])+off, int(c.box[1])+off, int(c.box[2])+off, int(c.box[3])+off)
		scores[i] = c.score
	}
	idx := gocv.NMSBoxes(rects, scores, conf, iou)
	kept := make([]candidate, 0, len(idx))
	for _, i := range idx {
		kept = append(kept, cands[i])
	}
	return kept
}
