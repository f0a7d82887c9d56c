package impose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// ProgressFunc reports page-level progress while Compose runs. Implementations
// forward this to the registry's update_progress at a coalesced rate; Compose
// itself makes no rate-limiting assumption about how often it is called.
type ProgressFunc func(pagesPlaced, totalPages int)

// Input is one source PDF contributing pages to a composite, in the order
// pages should appear in the output.
type Input struct {
	Name string
	Path string
}

// Compose reads every input in order, validates each is a well-formed PDF,
// and writes a single imposed PDF to outPath laid out according to cfg.
// Placement of each page within its cell is left to pdfcpu's N-up engine;
// Compose does not call FitScale.
func Compose(ctx context.Context, inputs []Input, cfg LayoutConfig, outPath string, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(inputs) == 0 {
		return task.ErrEmptyBatch
	}

	totalPages := 0
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		n, err := api.PageCountFile(in.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", task.ErrBadInput, in.Name, err)
		}
		if n == 0 {
			continue
		}
		totalPages += n
		paths = append(paths, in.Path)
	}

	if totalPages == 0 {
		return task.ErrEmptyBatch
	}

	if cfg.MaxEstimatedBytes > 0 {
		if est := cfg.EstimatedBytes(totalPages); est > cfg.MaxEstimatedBytes {
			return fmt.Errorf("%w: estimated %d bytes for %d pages exceeds ceiling %d", task.ErrOversize, est, totalPages, cfg.MaxEstimatedBytes)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	nup, err := buildNUpConfig(cfg)
	if err != nil {
		return fmt.Errorf("%w: build nup layout: %v", task.ErrBadInput, err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	logger.Debug("composing imposition",
		logger.Stage("rendering"),
		logger.Size(int64(totalPages)))

	if onProgress != nil {
		onProgress(0, totalPages)
	}

	if err := api.NUpFile(paths, outPath, nil, nup, nil); err != nil {
		return fmt.Errorf("%w: pdfcpu nup: %v", task.ErrBadInput, err)
	}

	if onProgress != nil {
		onProgress(totalPages, totalPages)
	}

	return nil
}

// buildNUpConfig translates a LayoutConfig into pdfcpu's NUp configuration,
// requesting an explicit columns x rows grid on an A4 sheet with no
// internal border and pdfcpu's own margin set to the configured value.
// pdfcpu's N-up engine performs the fit-scale-and-center placement math
// for each page internally; the formulas in geometry.go exist to drive
// progress estimation and to assert the resulting invariants in tests
// (aspect-preservation, row-major fill order), not to duplicate pdfcpu's
// placement.
func buildNUpConfig(cfg LayoutConfig) (*model.NUp, error) {
	grid := fmt.Sprintf("%dx%d", cfg.Columns, cfg.Rows)
	desc := fmt.Sprintf("form:A4, border:off, margin:%d", int(cfg.MarginMM))
	return api.PDFNUpConfig(grid, desc)
}
