package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"AnnoDetServer/annotate"
	"AnnoDetServer/codec"
	iface "AnnoDetServer/interface"
	"AnnoDetServer/logger"
	"AnnoDetServer/monitor"
	"AnnoDetServer/store"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type Options struct {
	// MinConfidence drops detections below it; 0 keeps everything.
	MinConfidence float32
	Dedupe        bool
}

type Result struct {
	Detections []iface.Detection `json:"detections"`
	ImageURL   string            `json:"image_url"`
	Summary    *Summary          `json:"summary,omitempty"`
}

// Predictor 串联 解码 -> 检测 -> 标注 -> 存储，单个请求内同步执行
type Predictor struct {
	detector    iface.Detector
	store       store.Store
	dedupeIoU   float32
	classValues map[string]int
}

func New(detector iface.Detector, st store.Store, dedupeIoU float32, classValues map[string]int) *Predictor {
	return &Predictor{
		detector:    detector,
		store:       st,
		dedupeIoU:   dedupeIoU,
		classValues: classValues,
	}
}

func ImageURL(baseURL, name string) string {
	return strings.TrimRight(baseURL, "/") + "/image/" + name
}

// Predict handles one upload. baseURL is the absolute origin the image URL is built from.
func (p *Predictor) Predict(ctx context.Context, data []byte, baseURL string, opts Options) (*Result, error) {
	start := time.Now()
	res, err := p.predict(ctx, data, baseURL, opts)
	monitor.ObservePredict(string(outcome(err)), time.Since(start))
	return res, err
}

func outcome(err error) ErrorKind {
	if err == nil {
		return "ok"
	}
	return KindOf(err)
}

func (p *Predictor) predict(ctx context.Context, data []byte, baseURL string, opts Options) (*Result, error) {
	img, err := codec.Decode(data)
	if err != nil {
		return nil, NewDecodeError("invalid image", err)
	}
	defer img.Close()

	dets, err := p.Detect(ctx, img, opts)
	if err != nil {
		return nil, err
	}

	annotate.Draw(&img, dets)
	encoded, err := codec.EncodeJPEG(img)
	if err != nil {
		return nil, NewInternalError("failed to encode annotated image", err)
	}
	name, err := p.store.Save(ctx, encoded)
	if err != nil {
		return nil, NewInternalError("failed to store annotated image", err)
	}
	monitor.ArtifactsTotal.Inc()

	logger.Log().Info("Prediction finished",
		zap.String("artifact", name),
		zap.Int("detections", len(dets)),
		zap.Int("width", img.Cols()),
		zap.Int("height", img.Rows()))

	res := &Result{
		Detections: dets,
		ImageURL:   ImageURL(baseURL, name),
	}
	if len(p.classValues) > 0 {
		res.Summary = Summarize(dets, p.classValues)
	}
	return res, nil
}

// Detect runs the detector on an already decoded image and applies opts.
// The returned slice is never nil.
func (p *Predictor) Detect(ctx context.Context, img gocv.Mat, opts Options) ([]iface.Detection, error) {
	dets, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, NewCollaboratorError("detector failed", err)
	}
	if dets == nil {
		dets = []iface.Detection{}
	}
	if opts.MinConfidence > 0 {
		dets = MinConfidence(dets, opts.MinConfidence)
	}
	if opts.Dedupe {
		dets = Dedupe(dets, p.dedupeIoU)
	}
	monitor.DetectionsTotal.Add(float64(len(dets)))
	return dets, nil
}

// Open resolves an artifact name to its content.
func (p *Predictor) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	rc, size, err := p.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, NewNotFoundError("image not found", err)
		}
		return nil, 0, NewInternalError("failed to open image", err)
	}
	return rc, size, nil
}
