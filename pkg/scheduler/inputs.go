package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yingcaihuang/invoice-pretty/pkg/impose"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	"github.com/yingcaihuang/invoice-pretty/pkg/task"
)

// collectInputs materializes a task's stored input objects as local files
// pdfcpu can open by path, expanding any ZIP upload in place. It returns a
// cleanup func that removes the scratch directory; callers must defer it
// even on error, since some files may have been written before a failure.
func (p *Pool) collectInputs(ctx context.Context, rec *task.Record) ([]impose.Input, func(), error) {
	names, err := p.st.List(ctx, rec.SessionID, rec.TaskID, storage.KindInput)
	if err != nil {
		return nil, func() {}, err
	}
	if len(names) == 0 {
		return nil, func() {}, task.ErrEmptyBatch
	}

	tmpDir, err := os.MkdirTemp("", "invoicepress-"+rec.TaskID+"-")
	if err != nil {
		return nil, func() {}, fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	var inputs []impose.Input
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, cleanup, err
		}

		rc, err := p.st.Get(ctx, rec.SessionID, rec.TaskID, storage.KindInput, name)
		if err != nil {
			return nil, cleanup, err
		}

		if strings.HasSuffix(strings.ToLower(name), ".zip") {
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, cleanup, fmt.Errorf("read %s: %w", name, err)
			}

			entries, err := storage.ExtractPDFs(bytes.NewReader(data), int64(len(data)), p.cfg.ArchiveLimits)
			if err != nil {
				return nil, cleanup, err
			}

			for j, entry := range entries {
				outPath := filepath.Join(tmpDir, fmt.Sprintf("%d_%d.pdf", i, j))
				if err := os.WriteFile(outPath, entry.Data, 0o644); err != nil {
					return nil, cleanup, fmt.Errorf("write %s: %w", entry.Name, err)
				}
				inputs = append(inputs, impose.Input{Name: entry.Name, Path: outPath})
			}
			continue
		}

		outPath := filepath.Join(tmpDir, fmt.Sprintf("%d.pdf", i))
		f, err := os.Create(outPath)
		if err != nil {
			rc.Close()
			return nil, cleanup, fmt.Errorf("create %s: %w", outPath, err)
		}
		_, copyErr := io.Copy(f, rc)
		rc.Close()
		f.Close()
		if copyErr != nil {
			return nil, cleanup, fmt.Errorf("write %s: %w", name, copyErr)
		}
		inputs = append(inputs, impose.Input{Name: name, Path: outPath})
	}

	if len(inputs) == 0 {
		return nil, cleanup, task.ErrEmptyBatch
	}

	return inputs, cleanup, nil
}

// tempOutputPath returns a scratch path for the composed PDF before it is
// handed to the Storage Manager, plus a cleanup func for the scratch dir.
func (p *Pool) tempOutputPath(taskID, name string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "invoicepress-out-"+taskID+"-")
	if err != nil {
		return "", func() {}, fmt.Errorf("create output scratch dir: %w", err)
	}
	return filepath.Join(dir, name), func() { _ = os.RemoveAll(dir) }, nil
}

func openFile(path string) (*os.File, error) {
	return os.Open(path)
}
