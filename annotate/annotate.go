// Package annotate draws detection boxes and labels onto decoded images.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	iface "AnnoDetServer/interface"

	"gocv.io/x/gocv"
)

const (
	Thickness   = 2
	FontScale   = 0.6
	LabelOffset = 10
)

// BoxColor is red; gocv converts it to BGR (0,0,255).
var BoxColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}

// Label 格式: "<class> <confidence*100:.1f>%"
func Label(det iface.Detection) string {
	return fmt.Sprintf("%s %.1f%%", det.Class, float64(det.Confidence)*100)
}

// Draw 按检测器输出顺序在 img 上原地绘制矩形和标签
func Draw(img *gocv.Mat, dets []iface.Detection) {
	for _, det := range dets {
		rect := det.BBox.Rect()
		gocv.Rectangle(img, rect, BoxColor, Thickness)
		org := image.Pt(rect.Min.X, rect.Min.Y-LabelOffset)
		gocv.PutText(img, Label(det), org, gocv.FontHersheySimplex, FontScale, BoxColor, Thickness)
	}
}
