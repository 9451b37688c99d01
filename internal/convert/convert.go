// Package convert invokes the calibre ebook-convert CLI and classifies its
// failures so the pipeline knows what to retry.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Request describes one conversion. InputPath must already exist on disk;
// the output lands next to it with the target extension.
type Request struct {
	InputPath    string
	SourceFormat string
	TargetFormat string
}

// Result points at the produced artifact.
type Result struct {
	OutputPath string
	OutputName string
}

// calibre prints failure reasons in two shapes; everything matching here is
// malformed input rather than a backend fault.
var conversionErrRe = regexp.MustCompile(`(Conversion Failure Reason\s+\*{5,}\s+[E\d]+:.*)|(Conversion error: .*)`)

// runCommand is swapped out in tests.
type runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Converter shells out to ebook-convert with a time ceiling and a size
// ceiling that applies to both the input and the produced artifact. It is
// safe to retry: a failed run leaves nothing visible to the caller.
type Converter struct {
	timeout     time.Duration
	maxFileSize int64
	run         runCommand
}

// New returns a Converter with the given ceilings.
func New(timeout time.Duration, maxFileSize int64) *Converter {
	return &Converter{timeout: timeout, maxFileSize: maxFileSize, run: execRun}
}

// Convert produces the target-format artifact for the request. Oversize
// input, and output the backend inflates past the ceiling, yield an
// invalid_input error; a timeout or an unreachable backend yields a
// transient one. When source and target formats match the input passes
// through untouched.
func (c *Converter) Convert(ctx context.Context, req Request) (*Result, error) {
	info, err := os.Stat(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if c.maxFileSize > 0 && info.Size() > c.maxFileSize {
		return nil, invalidInputErr("file is larger than the %d byte limit", c.maxFileSize)
	}

	if req.SourceFormat == req.TargetFormat {
		return &Result{
			OutputPath: req.InputPath,
			OutputName: outputName(req.InputPath, req.TargetFormat),
		}, nil
	}

	outputPath := strings.TrimSuffix(req.InputPath, filepath.Ext(req.InputPath)) + "." + req.TargetFormat

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	output, err := c.run(runCtx, "ebook-convert", req.InputPath, outputPath)
	if detail := scrapeConversionError(output); detail != "" {
		return nil, invalidInputErr("%s", detail)
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, transientErr("conversion timed out after %s", c.timeout)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, transientErr("conversion backend unavailable")
		}
		return nil, transientErr("conversion backend failed: %v", err)
	}
	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, transientErr("conversion produced no output")
	}
	if c.maxFileSize > 0 && outInfo.Size() > c.maxFileSize {
		os.Remove(outputPath)
		return nil, invalidInputErr("converted file is larger than the %d byte limit", c.maxFileSize)
	}

	return &Result{
		OutputPath: outputPath,
		OutputName: outputName(req.InputPath, req.TargetFormat),
	}, nil
}

// scrapeConversionError pulls calibre's human-readable failure reason out
// of the combined output.
func scrapeConversionError(output []byte) string {
	matches := conversionErrRe.FindAllStringSubmatch(string(output), -1)
	if len(matches) == 0 {
		return ""
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		line := m[1]
		if line == "" {
			line = m[2]
		}
		lines = append(lines, strings.ReplaceAll(strings.TrimSpace(line), "*", ""))
	}
	return strings.Join(lines, "\n")
}

func outputName(inputPath, targetFormat string) string {
	base := filepath.Base(inputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "." + targetFormat
}
