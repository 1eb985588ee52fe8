package engine

import (
	"fmt"
	"os"
	"strings"
	"time"

	"AnnoDetServer/config"
	iface "AnnoDetServer/interface"
	"AnnoDetServer/logger"

	"go.uber.org/zap"
)

const (
	BackendRemote = "remote"
	BackendOnnx   = "onnx"
)

// ReadLinesReadFile 按行读取类别名文件，忽略空行
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func resolveNames(cfg config.DetectorConfig) ([]string, error) {
	if cfg.NamesFile != "" {
		names, err := ReadLinesReadFile(cfg.NamesFile)
		if err != nil {
			return nil, fmt.Errorf("read names file: %w", err)
		}
		return names, nil
	}
	return cfg.Names, nil
}

// LoadEngine 在进程启动时创建唯一的检测器实例，之后所有请求共享
func LoadEngine(cfg config.DetectorConfig) (iface.Detector, error) {
	names, err := resolveNames(cfg)
	if err != nil {
		return nil, err
	}
	var det iface.Detector
	switch cfg.Backend {
	case BackendRemote:
		det = NewRemote(cfg.InferenceURL, time.Duration(cfg.TimeoutSeconds)*time.Second, names, cfg.Conf, cfg.Iou)
	case BackendOnnx:
		det, err = NewOnnx(OnnxParam{
			LibPath:    cfg.OnnxLibPath,
			ModelPath:  cfg.ModelPath,
			Names:      names,
			Conf:       cfg.Conf,
			Iou:        cfg.Iou,
			InputSize:  cfg.InputSize,
			InputName:  cfg.InputName,
			OutputName: cfg.OutputName,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
	ec := det.CheckConfig()
	logger.Log().Info("Detector loaded",
		zap.String("backend", ec.Backend),
		zap.String("model", ec.ModelPath),
		zap.Int("classes", len(ec.Names)),
		zap.Float32("conf", ec.Conf),
		zap.Float32("iou", ec.Iou))
	return det, nil
}
