package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"AnnoDetServer/config"
	"AnnoDetServer/logger"
	"AnnoDetServer/pipeline"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 带凭证的请求里浏览器不认 "*"，必须逐个列出
var allowHeaders = []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Requested-With"}

// NewRouter wires every HTTP route against one shared Predictor.
func NewRouter(p *pipeline.Predictor, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		logger.GinLogger(),
		cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
	)

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	predict := requestSizeLimiter(cfg.MaxUploadBytes())
	r.POST("/predict/", predict, predictHandler(p, cfg))
	r.POST("/predict", predict, predictHandler(p, cfg))
	r.GET("/image/:filename", imageHandler(p))
	r.GET("/ws/predict", wsHandler(p, cfg))
	return r
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// baseURL 优先使用配置的公开地址，否则根据请求推断（Host / X-Forwarded-Proto 仅在可信代理后可靠）
func baseURL(c *gin.Context, cfg *config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

func parseOptions(c *gin.Context) (pipeline.Options, error) {
	var opts pipeline.Options
	if v := c.Query("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 1 {
			return opts, errors.New("min_confidence must be a number between 0 and 1")
		}
		opts.MinConfidence = float32(f)
	}
	if v := c.Query("dedupe"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("dedupe must be a boolean")
		}
		opts.Dedupe = b
	}
	return opts, nil
}

func readUpload(c *gin.Context) ([]byte, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return nil, err
	}
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func predictHandler(p *pipeline.Predictor, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, err := parseOptions(c)
		if err != nil {
			respondError(c, pipeline.NewInvalidRequestError(err.Error(), nil))
			return
		}
		data, err := readUpload(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, pipeline.NewTooLargeError("upload too large", err))
				return
			}
			respondError(c, pipeline.NewDecodeError("File upload failed", err))
			return
		}
		result, err := p.Predict(c.Request.Context(), data, baseURL(c, cfg), opts)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func imageHandler(p *pipeline.Predictor) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, size, err := p.Open(c.Request.Context(), c.Param("filename"))
		if err != nil {
			respondError(c, err)
			return
		}
		defer rc.Close()
		c.DataFromReader(http.StatusOK, size, "image/jpeg", rc, nil)
	}
}

func respondError(c *gin.Context, err error) {
	code := pipeline.StatusCode(err)
	message := err.Error()
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		message = pe.Message
	}
	if code >= http.StatusInternalServerError {
		logger.Log().Error("Request failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
	} else {
		logger.Log().Warn("Request rejected", zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": message, "type": pipeline.KindOf(err)})
}
