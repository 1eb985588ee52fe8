package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"AnnoDetServer/codec"
	iface "AnnoDetServer/interface"

	"github.com/go-resty/resty/v2"
	"gocv.io/x/gocv"
)

// Remote forwards images to an external inference server, e.g. an ultralytics process:
// POST multipart "file" -> {"detections": [{"class", "confidence", "bbox"}]}.
type Remote struct {
	URL    string
	Names  []string
	Conf   float32
	Iou    float32
	client *resty.Client
}

type remoteResponse struct {
	Detections []iface.Detection `json:"detections"`
}

func NewRemote(url string, timeout time.Duration, names []string, conf, iou float32) *Remote {
	return &Remote{
		URL:    url,
		Names:  names,
		Conf:   conf,
		Iou:    iou,
		client: resty.New().SetTimeout(timeout),
	}
}

func (r *Remote) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendRemote,
		ModelPath: r.URL,
		Names:     r.Names,
		Conf:      r.Conf,
		Iou:       r.Iou,
	}
}

func (r *Remote) Detect(ctx context.Context, img gocv.Mat) ([]iface.Detection, error) {
	data, err := codec.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	var body remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("file", "image.jpg", bytes.NewReader(data)).
		SetResult(&body). // 2xx 自动反序列化
		Post(r.URL)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inference server returned %s: %s", resp.Status(), resp.String())
	}
	for i, det := range body.Detections {
		if err := checkDetection(det); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
	}
	if body.Detections == nil {
		return []iface.Detection{}, nil
	}
	return body.Detections, nil
}

func (r *Remote) Destroy() {}

func checkDetection(det iface.Detection) error {
	if det.Class == "" {
		return fmt.Errorf("missing class label")
	}
	c := float64(det.Confidence)
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", det.Confidence)
	}
	return nil
}
