package api

import (
	"net/http"
	"slices"

	"AnnoDetServer/codec"
	"AnnoDetServer/config"
	iface "AnnoDetServer/interface"
	"AnnoDetServer/logger"
	"AnnoDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"
)

const wsReadLimit = 20 * 1024 * 1024

type frameResult struct {
	Detections []iface.Detection `json:"detections"`
}

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		},
	}
}

// wsHandler 实时检测：每帧解码后检测，不落盘
func wsHandler(p *pipeline.Predictor, cfg *config.Config) gin.HandlerFunc {
	upgrader := newUpgrader(cfg.CORSOrigins)
	return func(c *gin.Context) {
		opts, err := parseOptions(c)
		if err != nil {
			respondError(c, pipeline.NewInvalidRequestError(err.Error(), nil))
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// 升级失败，不要再写 JSON
			return
		}
		defer conn.Close()
		conn.SetReadLimit(wsReadLimit)

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				logger.S().Debugw("Websocket closed", "ip", c.ClientIP(), "error", err)
				return
			}
			var img gocv.Mat
			switch mt {
			case websocket.BinaryMessage:
				img, err = codec.Decode(msg)
			case websocket.TextMessage:
				// 文本消息：base64 图像
				img, err = codec.DecodeBase64(string(msg))
			default:
				continue
			}
			res := detectFrame(c, p, img, err, opts)
			_ = img.Close()
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	}
}

func detectFrame(c *gin.Context, p *pipeline.Predictor, img gocv.Mat, decodeErr error, opts pipeline.Options) any {
	if decodeErr != nil {
		return gin.H{"error": "invalid image: " + decodeErr.Error(), "type": pipeline.KindDecode}
	}
	dets, err := p.Detect(c.Request.Context(), img, opts)
	if err != nil {
		return gin.H{"error": err.Error(), "type": pipeline.KindOf(err)}
	}
	return frameResult{Detections: dets}
}
