package convert

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebookbot/ebookbot/internal/models"
)

func stageInput(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func fakeRun(output []byte, err error, writeOutput bool) runCommand {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if writeOutput && len(args) >= 2 {
			if werr := os.WriteFile(args[1], []byte("converted"), 0o644); werr != nil {
				return nil, werr
			}
		}
		return output, err
	}
}

func TestConvert_Success(t *testing.T) {
	c := New(time.Minute, 0)
	c.run = fakeRun([]byte("1% converting\n100% done"), nil, true)

	input := stageInput(t, "book.mobi", 100)
	res, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	require.NoError(t, err)
	assert.Equal(t, "book.epub", res.OutputName)
	assert.FileExists(t, res.OutputPath)
}

func TestConvert_PassthroughWhenFormatsMatch(t *testing.T) {
	c := New(time.Minute, 0)
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("the backend must not run for a same-format request")
		return nil, nil
	}

	input := stageInput(t, "book.epub", 100)
	res, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "epub",
		TargetFormat: "epub",
	})
	require.NoError(t, err)
	assert.Equal(t, input, res.OutputPath)
	assert.Equal(t, "book.epub", res.OutputName)
}

func TestConvert_OversizeInput(t *testing.T) {
	c := New(time.Minute, 64)
	c.run = fakeRun(nil, nil, true)

	input := stageInput(t, "book.mobi", 65)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindInvalidInput, convErr.Kind)
}

func TestConvert_OversizeOutput(t *testing.T) {
	// The backend can inflate a small input past the delivery ceiling
	// (image-heavy PDF to epub, for instance). That artifact is never
	// deliverable, so retrying is pointless.
	c := New(time.Minute, 64)
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.WriteFile(args[1], make([]byte, 65), 0o644)
	}

	input := stageInput(t, "book.mobi", 10)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindInvalidInput, convErr.Kind)
	assert.Contains(t, convErr.Detail, "converted file")

	outputPath := strings.TrimSuffix(input, ".mobi") + ".epub"
	assert.NoFileExists(t, outputPath, "the oversize artifact is not left behind")
}

func TestConvert_MissingInput(t *testing.T) {
	c := New(time.Minute, 0)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    filepath.Join(t.TempDir(), "absent.mobi"),
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	assert.Error(t, err)
}

func TestConvert_CalibreFailureReasonIsInvalidInput(t *testing.T) {
	// calibre reports malformed books in its combined output while still
	// exiting nonzero; the scraped reason classifies the failure.
	output := []byte("Conversion options changed\n" +
		"Conversion error: Failed to parse the EPUB container")

	c := New(time.Minute, 0)
	c.run = fakeRun(output, errors.New("exit status 1"), false)

	input := stageInput(t, "book.epub", 100)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "epub",
		TargetFormat: "mobi",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindInvalidInput, convErr.Kind)
	assert.Contains(t, convErr.Detail, "Failed to parse the EPUB container")
}

func TestConvert_TimeoutIsTransient(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	input := stageInput(t, "book.mobi", 100)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindTransient, convErr.Kind)
	assert.Contains(t, convErr.Detail, "timed out")
}

func TestConvert_BackendMissingIsTransient(t *testing.T) {
	c := New(time.Minute, 0)
	c.run = fakeRun(nil, exec.ErrNotFound, false)

	input := stageInput(t, "book.mobi", 100)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindTransient, convErr.Kind)
}

func TestConvert_SilentExitWithoutOutputIsTransient(t *testing.T) {
	c := New(time.Minute, 0)
	c.run = fakeRun([]byte("nothing useful"), nil, false)

	input := stageInput(t, "book.mobi", 100)
	_, err := c.Convert(context.Background(), Request{
		InputPath:    input,
		SourceFormat: "mobi",
		TargetFormat: "epub",
	})
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, models.ErrorKindTransient, convErr.Kind)
	assert.Contains(t, convErr.Detail, "no output")
}

func TestScrapeConversionError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"none", "42% converting chapter 3", ""},
		{
			"conversion error line",
			"blah\nConversion error: Invalid DRM header\nblah",
			"Conversion error: Invalid DRM header",
		},
		{
			"failure reason block",
			"Conversion Failure Reason  *****  E102: unpacking failed",
			"Conversion Failure Reason    E102: unpacking failed",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scrapeConversionError([]byte(tc.output)))
		})
	}
}
