package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// ErrDecode 表示上传内容为空或不是可识别的图像
var ErrDecode = errors.New("decoded image is empty or unsupported format")

const jpegQuality = 95

// Decode 将原始字节解码为 BGR gocv.Mat，调用方负责 Close
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty payload", ErrDecode)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if mat.Empty() {
		// IMDecode 返回空 Mat 表示解码失败
		_ = mat.Close()
		return gocv.NewMat(), ErrDecode
	}
	return mat, nil
}

// DecodeBase64 去掉可能的 data URL 前缀后再解码
func DecodeBase64(b64 string) (gocv.Mat, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Decode(data)
}

// EncodeJPEG 编码为 JPEG 字节
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, errors.New("cannot encode empty image")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), jpegQuality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	// GetBytes 指向 C 内存，Close 之前必须拷贝
	return append([]byte(nil), buf.GetBytes()...), nil
}
