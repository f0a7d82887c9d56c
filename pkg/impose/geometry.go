// Package impose computes the imposition layout (arranging many small
// invoice pages into a grid on a larger sheet) and drives pdfcpu's N-up
// engine to produce the composite output.
package impose

import "math"

// A4 in points (1/72 inch), the default sheet size.
const (
	A4WidthPt  = 595.28
	A4HeightPt = 841.89
)

// LayoutConfig parameterizes the grid. Values mirror the configuration
// keys named in the environment-variable table: columns, rows, margin,
// gutter.
type LayoutConfig struct {
	Columns   int
	Rows      int
	MarginMM  float64
	GutterMM  float64
	SheetW    float64 // sheet width in points, defaults to A4WidthPt
	SheetH    float64 // sheet height in points, defaults to A4HeightPt
	MinDPI    int

	// MaxEstimatedBytes bounds Compose's aggregate memory estimate
	// (page count times a fixed per-page working-set assumption at
	// MinDPI). Zero disables the check. This is deliberately a coarse
	// estimate, not a measurement: pdfcpu streams pages rather than
	// rasterizing the whole batch at once, but a pathological batch of
	// thousands of pages should still be rejected before it is attempted.
	MaxEstimatedBytes int64
}

// DefaultLayoutConfig returns the spec's default 2x4 A4 grid.
func DefaultLayoutConfig() LayoutConfig {
	return LayoutConfig{
		Columns:           2,
		Rows:              4,
		MarginMM:          10,
		GutterMM:          5,
		SheetW:            A4WidthPt,
		SheetH:            A4HeightPt,
		MinDPI:            300,
		MaxEstimatedBytes: 2 << 30, // 2 GiB
	}
}

// bytesPerPageAtDPI estimates the in-memory working set for rasterizing a
// single A4 page at dpi in an uncompressed RGB bitmap, used only for the
// Oversize pre-check: width_px * height_px * 3 bytes/pixel.
func bytesPerPageAtDPI(dpi int) int64 {
	if dpi <= 0 {
		dpi = 300
	}
	widthIn := A4WidthPt / 72.0
	heightIn := A4HeightPt / 72.0
	return int64(widthIn*float64(dpi)) * int64(heightIn*float64(dpi)) * 3
}

// EstimatedBytes returns the aggregate memory estimate for imposing
// pageCount pages at the configured MinDPI.
func (c LayoutConfig) EstimatedBytes(pageCount int) int64 {
	return int64(pageCount) * bytesPerPageAtDPI(c.MinDPI)
}

const mmToPt = 72.0 / 25.4

func mm(v float64) float64 { return v * mmToPt }

// SlotCount returns the number of invoice slots per sheet.
func (c LayoutConfig) SlotCount() int {
	return c.Columns * c.Rows
}

// SheetCount returns the number of sheets needed for pageCount pages.
func (c LayoutConfig) SheetCount(pageCount int) int {
	if pageCount <= 0 {
		return 0
	}
	slots := c.SlotCount()
	return (pageCount + slots - 1) / slots
}

// CellSize returns the usable width/height of a single grid cell in
// points, after subtracting the outer margin and inter-cell gutters.
func (c LayoutConfig) CellSize() (width, height float64) {
	sheetW, sheetH := c.sheetDims()
	margin := mm(c.MarginMM)
	gutter := mm(c.GutterMM)

	width = (sheetW - 2*margin - float64(c.Columns-1)*gutter) / float64(c.Columns)
	height = (sheetH - 2*margin - float64(c.Rows-1)*gutter) / float64(c.Rows)
	return width, height
}

func (c LayoutConfig) sheetDims() (float64, float64) {
	w, h := c.SheetW, c.SheetH
	if w == 0 {
		w = A4WidthPt
	}
	if h == 0 {
		h = A4HeightPt
	}
	return w, h
}

// FitScale returns the largest scale factor that lets a page of the given
// dimensions fit entirely within a cell of the given dimensions without
// cropping, preserving aspect ratio exactly.
func FitScale(pageW, pageH, cellW, cellH float64) float64 {
	if pageW <= 0 || pageH <= 0 {
		return 0
	}
	return math.Min(cellW/pageW, cellH/pageH)
}

// SlotPosition maps a row-major slot index (top-left first, filling left
// to right then top to bottom) to its (row, column) coordinates within
// the grid.
func (c LayoutConfig) SlotPosition(slot int) (row, col int) {
	return slot / c.Columns, slot % c.Columns
}

// CellOrigin returns the bottom-left corner of the cell at (row, col) in
// PDF coordinate space (origin at the sheet's bottom-left, y increasing
// upward), with row 0 being the topmost row.
func (c LayoutConfig) CellOrigin(row, col int) (x, y float64) {
	sheetW, sheetH := c.sheetDims()
	cellW, cellH := c.CellSize()
	margin := mm(c.MarginMM)
	gutter := mm(c.GutterMM)

	x = margin + float64(col)*(cellW+gutter)
	topY := sheetH - margin - float64(row)*(cellH+gutter)
	y = topY - cellH

	// Defensive clamp: never place a cell origin outside the sheet. This
	// should be unreachable given Columns/Rows/Margin validation at the
	// scheduler boundary, but guards against a future caller skipping it.
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	_ = sheetW
	return x, y
}

// CenteredOffset returns the additional (dx, dy) translation, inside a
// cell, that centers a scaled page of size (scaledW, scaledH) within a
// cell of size (cellW, cellH).
func CenteredOffset(cellW, cellH, scaledW, scaledH float64) (dx, dy float64) {
	return (cellW - scaledW) / 2, (cellH - scaledH) / 2
}
