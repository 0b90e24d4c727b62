package report

import (
	"fmt"
	"strings"
)

// Chart dimensions
const (
	chartWidth  = 40
	chartHeight = 8
)

// EquityChart renders an equity curve as text rows, top row first.
func EquityChart(curve []float64, startingEquity float64) []string {
	if len(curve) < 2 {
		return []string{"  Insufficient data for equity curve"}
	}

	// Find min/max for scaling
	lo, hi := curve[0], curve[0]
	for _, e := range curve {
		if e < lo {
			lo = e
		}
		if e > hi {
			hi = e
		}
	}

	padding := (hi - lo) * 0.1
	if padding == 0 {
		padding = startingEquity * 0.05
	}
	if padding == 0 {
		padding = 1
	}
	lo -= padding
	hi += padding

	grid := make([][]rune, chartHeight)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", chartWidth))
	}

	for i, e := range curve {
		x := i * chartWidth / len(curve)
		y := int((e - lo) / (hi - lo) * float64(chartHeight-1))
		if y >= 0 && y < chartHeight && x >= 0 && x < chartWidth {
			grid[chartHeight-1-y][x] = '█'
		}
	}

	lines := make([]string, 0, chartHeight+1)
	for i := 0; i < chartHeight; i++ {
		label := strings.Repeat(" ", 10)
		switch i {
		case 0:
			label = fmt.Sprintf("%10.0f", hi)
		case chartHeight - 1:
			label = fmt.Sprintf("%10.0f", lo)
		}
		lines = append(lines, fmt.Sprintf("  %s │%s", label, string(grid[i])))
	}
	lines = append(lines, fmt.Sprintf("  %s └%s", strings.Repeat(" ", 10), strings.Repeat("─", chartWidth)))
	return lines
}
