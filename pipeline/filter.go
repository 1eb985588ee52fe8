package pipeline

import (
	"sort"

	iface "AnnoDetServer/interface"
)

// IoU of two x1,y1,x2,y2 boxes; 0 when the union is empty.
func IoU(a, b iface.BBox) float32 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	inter := max(0, ix2-ix1) * max(0, iy2-iy1)
	areaA := max(0, a[2]-a[0]) * max(0, a[3]-a[1])
	areaB := max(0, b[2]-b[0]) * max(0, b[3]-b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Dedupe keeps the highest-confidence detection among overlapping same-class boxes.
// Survivors keep their input order.
func Dedupe(dets []iface.Detection, threshold float32) []iface.Detection {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return dets[order[i]].Confidence > dets[order[j]].Confidence
	})
	kept := make([]bool, len(dets))
	var winners []int
	for _, i := range order {
		keep := true
		for _, w := range winners {
			if dets[i].Class == dets[w].Class && IoU(dets[i].BBox, dets[w].BBox) > threshold {
				keep = false
				break
			}
		}
		if keep {
			kept[i] = true
			winners = append(winners, i)
		}
	}
	out := make([]iface.Detection, 0, len(winners))
	for i, d := range dets {
		if kept[i] {
			out = append(out, d)
		}
	}
	return out
}

// MinConfidence drops detections below threshold, preserving order.
func MinConfidence(dets []iface.Detection, threshold float32) []iface.Detection {
	out := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

type Summary struct {
	Total     int            `json:"total"`
	Breakdown map[string]int `json:"breakdown"`
}

// Summarize counts detections per class and totals their configured values.
// Classes without a configured value count as 0.
func Summarize(dets []iface.Detection, values map[string]int) *Summary {
	s := &Summary{Breakdown: map[string]int{}}
	for _, d := range dets {
		s.Breakdown[d.Class]++
		s.Total += values[d.Class]
	}
	return s
}
