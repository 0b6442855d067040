package badge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/fogleman/gg"
)

// Badge geometry
const (
	iconSize   = 64
	iconRadius = 16
)

// generateIcon draws the value over a status colored rounded square with the trend arrow below
func (r *Renderer) generateIcon(text, direction string) image.Image {
	dc := gg.NewContext(iconSize, iconSize)

	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	cr, cg, cb := parseHexColor(r.getStatusColor())
	dc.SetRGB255(int(cr), int(cg), int(cb))
	dc.DrawRoundedRectangle(0, 0, iconSize, iconSize, iconRadius)
	dc.Fill()

	dc.SetColor(textColor(cr, cg, cb))
	if err := loadFont(dc, 34); err == nil {
		dc.DrawStringAnchored(text, iconSize/2, iconSize/2-12, 0.5, 0.5)
	}

	if direction != "" {
		drawArrow(dc, iconSize/2, iconSize-16, 24, direction)
	}

	return dc.Image()
}

// drawArrow draws a vector arrow rotated to the trend direction
func drawArrow(dc *gg.Context, x, y, size float64, direction string) {
	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)

	var angle float64
	switch direction {
	case "DoubleUp", "SingleUp":
		angle = 0
	case "FortyFiveUp":
		angle = 45
	case "Flat":
		angle = 90
	case "FortyFiveDown":
		angle = 135
	case "DoubleDown", "SingleDown":
		angle = 180
	default:
		return
	}

	dc.Rotate(gg.Radians(angle))

	halfSize := size / 2
	if direction == "DoubleUp" || direction == "DoubleDown" {
		drawSingleArrow(dc, 0, -halfSize/2, size*0.8)
		drawSingleArrow(dc, 0, halfSize/2, size*0.8)
	} else {
		drawSingleArrow(dc, 0, 0, size)
	}
}

func drawSingleArrow(dc *gg.Context, ox, oy, s float64) {
	w := s * 0.5

	dc.NewSubPath()
	dc.MoveTo(ox, oy-s/2)
	dc.LineTo(ox+w/2, oy)
	dc.LineTo(ox+w/6, oy)
	dc.LineTo(ox+w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy)
	dc.LineTo(ox-w/2, oy)
	dc.ClosePath()
	dc.Fill()
}

// generateMultiLineSparkline charts the history with Braille blocks, four steps per line
func (r *Renderer) generateMultiLineSparkline() string {
	if len(r.history) < 2 {
		return ""
	}

	const height = 6
	minVal, maxVal := r.history[0], r.history[0]
	for _, v := range r.history {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}

	buffer := 10.0
	if r.settings.Unit == "mmol/L" {
		buffer = 0.5
	}
	minVal = math.Max(0, minVal-buffer)
	maxVal += buffer
	rangeVal := maxVal - minVal

	blocks := []rune{'⠀', '⣀', '⣤', '⣶', '⣿'}
	const subBlocksPerLine = 4.0

	rows := make([][]rune, height)
	for i := range rows {
		rows[i] = []rune(strings.Repeat("⠀", len(r.history)))
	}

	for x, val := range r.history {
		total := (val - minVal) / rangeVal * height * subBlocksPerLine

		for y := 0; y < height; y++ {
			line := height - 1 - y
			start := float64(y) * subBlocksPerLine
			end := float64(y+1) * subBlocksPerLine

			if total >= end {
				rows[line][x] = '⣿'
			} else if total > start {
				idx := int(math.Round(total - start))
				idx = max(0, min(idx, len(blocks)-1))
				rows[line][x] = blocks[idx]
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Max: %.0f\n", maxVal)
	for _, row := range rows {
		b.WriteString(string(row))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Min: %.0f", minVal)
	return b.String()
}

// imageToICO wraps a PNG encoding of img in a single-entry ICO container
func imageToICO(img image.Image) ([]byte, error) {
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	pngData := pngBuf.Bytes()

	var buf bytes.Buffer
	// ICONDIR: reserved, type 1 (icon), one image
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))

	// ICONDIRENTRY; 0 means 256
	bounds := img.Bounds()
	buf.WriteByte(byte(bounds.Dx() % 256))
	buf.WriteByte(byte(bounds.Dy() % 256))
	buf.WriteByte(0) // no palette
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))  // planes
	_ = binary.Write(&buf, binary.LittleEndian, uint16(32)) // bits per pixel
	// #nosec G115 -- PNG size is far below uint32
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pngData)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(22)) // 6 byte header + 16 byte entry

	buf.Write(pngData)
	return buf.Bytes(), nil
}
