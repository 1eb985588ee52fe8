package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"AnnoDetServer/codec"
	"AnnoDetServer/config"
	iface "AnnoDetServer/interface"
	"AnnoDetServer/pipeline"
	"AnnoDetServer/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type MockDetector struct {
	mu    sync.Mutex
	dets  []iface.Detection
	err   error
	calls int
}

func (m *MockDetector) Detect(ctx context.Context, img gocv.Mat) ([]iface.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.dets, m.err
}
func (m *MockDetector) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Backend: "mock"} }
func (m *MockDetector) Destroy()                        {}

type predictResponse struct {
	Detections []iface.Detection `json:"detections"`
	ImageURL   string            `json:"image_url"`
	Summary    *pipeline.Summary `json:"summary"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, det iface.Detector, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.NewLocal(cfg.OutputDir)
	require.NoError(t, err)
	p := pipeline.New(det, st, cfg.DedupeIoU, cfg.ClassValues)
	srv := httptest.NewServer(NewRouter(p, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func blackJPEG(t *testing.T) []byte {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 100, gocv.MatTypeCV8UC3)
	defer img.Close()
	data, err := codec.EncodeJPEG(img)
	require.NoError(t, err)
	return data
}

func upload(t *testing.T, url string, field string, data []byte) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, "upload.jpg")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	resp, err := http.Post(url, w.FormDataContentType(), body)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func get(t *testing.T, url string) (int, []byte, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body, resp.Header.Get("Content-Type")
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, nil)
	code, body, _ := get(t, srv.URL+"/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"pong"}`, string(body))
}

func TestPredictThenFetchImage(t *testing.T) {
	det := &MockDetector{dets: []iface.Detection{
		{Class: "Ten_Namibian_dollars", Confidence: 0.999, BBox: iface.BBox{10, 20, 60, 80}},
		{Class: "Fifty_Namibian_dollars", Confidence: 0.5, BBox: iface.BBox{5, 5, 30, 30}},
	}}
	srv := newTestServer(t, det, nil)

	var res predictResponse
	resp := upload(t, srv.URL+"/predict/", "file", blackJPEG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &res)

	require.Len(t, res.Detections, 2)
	assert.Equal(t, "Ten_Namibian_dollars", res.Detections[0].Class)
	assert.Equal(t, iface.BBox{10, 20, 60, 80}, res.Detections[0].BBox)
	assert.Nil(t, res.Summary)
	require.True(t, strings.HasPrefix(res.ImageURL, srv.URL+"/image/"), res.ImageURL)
	assert.True(t, strings.HasSuffix(res.ImageURL, ".jpg"))

	code, first, ct := get(t, res.ImageURL)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "image/jpeg", ct)
	_, second, _ := get(t, res.ImageURL)
	assert.Equal(t, first, second)
}

func TestPredict_BBoxIsFlat(t *testing.T) {
	det := &MockDetector{dets: []iface.Detection{{Class: "a", Confidence: 0.5, BBox: iface.BBox{1, 2, 3, 4}}}}
	srv := newTestServer(t, det, nil)
	resp := upload(t, srv.URL+"/predict", "file", blackJPEG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]json.RawMessage
	decodeJSON(t, resp, &raw)
	var dets []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["detections"], &dets))
	assert.JSONEq(t, `[1,2,3,4]`, string(dets[0]["bbox"]))
}

func TestPredict_BlackImageNoDetections(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, nil)
	input := blackJPEG(t)
	resp := upload(t, srv.URL+"/predict/", "file", input)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]json.RawMessage
	decodeJSON(t, resp, &raw)
	assert.JSONEq(t, `[]`, string(raw["detections"]))

	var url string
	require.NoError(t, json.Unmarshal(raw["image_url"], &url))
	code, body, _ := get(t, url)
	require.Equal(t, http.StatusOK, code)
	img, err := codec.Decode(body)
	require.NoError(t, err)
	defer img.Close()
	want, err := codec.Decode(input)
	require.NoError(t, err)
	defer want.Close()
	assert.Equal(t, want.Cols(), img.Cols())
	assert.Equal(t, want.Rows(), img.Rows())
	assert.Equal(t, want.ToBytes(), img.ToBytes())
}

func TestPredict_Errors(t *testing.T) {
	junk := make([]byte, 1024)
	_, _ = rand.Read(junk)

	tests := []struct {
		name     string
		det      *MockDetector
		field    string
		data     []byte
		query    string
		wantCode int
		wantType pipeline.ErrorKind
	}{
		{"random bytes", &MockDetector{}, "file", junk, "", http.StatusBadRequest, pipeline.KindDecode},
		{"empty upload", &MockDetector{}, "file", nil, "", http.StatusBadRequest, pipeline.KindDecode},
		{"wrong field", &MockDetector{}, "image", blackJPEG(t), "", http.StatusBadRequest, pipeline.KindDecode},
		{"detector failure", &MockDetector{err: errors.New("cuda out of memory")}, "file", blackJPEG(t), "", http.StatusBadGateway, pipeline.KindCollaborator},
		{"bad threshold", &MockDetector{}, "file", blackJPEG(t), "?min_confidence=2", http.StatusBadRequest, pipeline.KindInvalid},
		{"bad dedupe", &MockDetector{}, "file", blackJPEG(t), "?dedupe=maybe", http.StatusBadRequest, pipeline.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.det, nil)
			resp := upload(t, srv.URL+"/predict/"+tt.query, tt.field, tt.data)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body map[string]string
			decodeJSON(t, resp, &body)
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, string(tt.wantType), body["type"])
		})
	}
}

func TestPredict_TooLarge(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, func(c *config.Config) { c.MaxUploadMB = 1 })
	resp := upload(t, srv.URL+"/predict/", "file", make([]byte, 1<<20+4096))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestImage_NotFound(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, nil)
	for _, name := range []string{"doesnotexist.jpg", "123e4567-e89b-42d3-a456-426614174000.jpg", "..config.yaml"} {
		code, body, _ := get(t, srv.URL+"/image/"+name)
		assert.Equal(t, http.StatusNotFound, code, name)
		assert.Contains(t, string(body), "not_found")
	}
}

func TestPredict_ConcurrentUniqueURLs(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, nil)
	img := blackJPEG(t)

	const n = 16
	urls := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := &bytes.Buffer{}
			w := multipart.NewWriter(body)
			part, _ := w.CreateFormFile("file", "a.jpg")
			_, _ = part.Write(img)
			_ = w.Close()
			resp, err := http.Post(srv.URL+"/predict/", w.FormDataContentType(), body)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			var res predictResponse
			if assert.NoError(t, json.NewDecoder(resp.Body).Decode(&res)) {
				urls[i] = res.ImageURL
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, u := range urls {
		require.NotEmpty(t, u)
		assert.False(t, seen[u], "duplicate url %s", u)
		seen[u] = true
	}
}

func TestPredict_PublicBaseURLAndSummary(t *testing.T) {
	det := &MockDetector{dets: []iface.Detection{
		{Class: "Twenty_Namibian_dollars", Confidence: 0.8, BBox: iface.BBox{0, 0, 10, 10}},
		{Class: "Ten_Namibian_dollars", Confidence: 0.2, BBox: iface.BBox{20, 20, 40, 40}},
	}}
	srv := newTestServer(t, det, func(c *config.Config) {
		c.PublicBaseURL = "http://127.0.0.1:8000"
		c.ClassValues = map[string]int{"Ten_Namibian_dollars": 10, "Twenty_Namibian_dollars": 20}
	})
	var res predictResponse
	resp := upload(t, srv.URL+"/predict/?min_confidence=0.3", "file", blackJPEG(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &res)
	assert.True(t, strings.HasPrefix(res.ImageURL, "http://127.0.0.1:8000/image/"))
	require.Len(t, res.Detections, 1)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 20, res.Summary.Total)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, &MockDetector{}, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/predict/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type,authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	// 带凭证时 "*" 不算通配，请求头必须逐个出现
	allowed := resp.Header.Get("Access-Control-Allow-Headers")
	assert.NotContains(t, allowed, "*")
	assert.Contains(t, allowed, "Content-Type")
	assert.Contains(t, allowed, "Authorization")

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketPredict(t *testing.T) {
	det := &MockDetector{dets: []iface.Detection{{Class: "a", Confidence: 0.7, BBox: iface.BBox{1, 1, 5, 5}}}}
	srv := newTestServer(t, det, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/predict"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	img := blackJPEG(t)
	var frame map[string]json.RawMessage

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, img))
	require.NoError(t, conn.ReadJSON(&frame))
	var dets []iface.Detection
	require.NoError(t, json.Unmarshal(frame["detections"], &dets))
	assert.Len(t, dets, 1)

	frame = nil
	b64 := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(b64)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Contains(t, frame, "detections")

	frame = nil
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("junk")))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Contains(t, frame, "error")
}
