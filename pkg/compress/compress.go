// Package compress recompresses intermediate GeoTIFF files with an external
// tool, several files at a time, and removes the intermediates once every
// file has been converted.
package compress

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"loopyprep/internal/models"
	"loopyprep/pkg/logger"
)

// DefaultBinary is the compressor looked up on PATH when none is configured
const DefaultBinary = "gdal_translate"

// intermediateSuffix is stripped from an input path to name its output
const intermediateSuffix = "_"

// ProcessError reports a failed compressor invocation
type ProcessError struct {
	// Path is the input file of the failed invocation
	Path string

	// Output is the combined stdout and stderr of the process
	Output string

	// Err is the error returned by the process
	Err error
}

func (e *ProcessError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("compressing %s failed: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("compressing %s failed: %v\n%s", e.Path, e.Err, out)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Compressor runs the external JPEG recompression
type Compressor struct {
	// Binary is the compressor executable
	Binary string

	// Quality is the JPEG quality, 1-100
	Quality int

	// Workers bounds the number of concurrent processes
	Workers int

	// Log receives progress and failure output
	Log logger.ILogger
}

// NewCompressor creates a compressor. An empty binary selects DefaultBinary
// and a non-positive worker count selects one worker per CPU.
func NewCompressor(binary string, quality, workers int, log logger.ILogger) *Compressor {
	if binary == "" {
		binary = DefaultBinary
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Compressor{Binary: binary, Quality: quality, Workers: workers, Log: log}
}

// FinalPath returns the output path for an intermediate path
func FinalPath(intermediate string) string {
	return strings.TrimSuffix(intermediate, intermediateSuffix)
}

// args builds the compressor command line for one file
func (c *Compressor) args(in, out string) []string {
	return []string{
		"-co", "TILED=YES",
		"-co", "COMPRESS=JPEG",
		"-co", "COPY_SRC_OVERVIEWS=YES",
		"-co", "JPEG_QUALITY=" + strconv.Itoa(c.Quality),
		in, out,
	}
}

// outcome is the result of one invocation
type outcome struct {
	output  []byte
	err     error
	existed bool
}

// Recompress converts every "*.tif_" path to its "*.tif" counterpart. When all
// invocations succeed the intermediates are deleted and the final paths are
// returned in input order. When any fails, the intermediates are kept, the
// outputs of this batch are removed and the first failure in input order is
// returned as a *ProcessError.
func (c *Compressor) Recompress(paths []string) ([]string, error) {
	log := c.Log
	if log == nil {
		log = &logger.NullLogger{}
	}

	if c.Quality < 1 || c.Quality > 100 {
		return nil, errors.Wrapf(models.ErrValidation, "jpeg quality %d must be within 1-100", c.Quality)
	}
	for _, p := range paths {
		if !strings.HasSuffix(p, ".tif"+intermediateSuffix) {
			return nil, errors.Wrapf(models.ErrValidation, "%s is not an intermediate .tif_ file", p)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	binary, err := exec.LookPath(c.Binary)
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "compressor %q not found: %v", c.Binary, err)
	}

	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]outcome, len(paths))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, in := range paths {
		g.Go(func() error {
			out := FinalPath(in)
			_, statErr := os.Stat(out)
			outcomes[i].existed = statErr == nil

			args := c.args(in, out)
			log.Debugf("exec.Command starting \"%v\", args: [%v]", binary, strings.Join(args, ","))
			start := time.Now()

			cmd := exec.Command(binary, args...)
			outcomes[i].output, outcomes[i].err = cmd.CombinedOutput()
			log.Debugf("%s took %v", in, time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	g.Wait()

	for i, o := range outcomes {
		if o.err == nil {
			continue
		}
		perr := &ProcessError{Path: paths[i], Output: string(o.output), Err: o.err}
		log.Errorf("%v", perr.Err)
		log.Infof("CombinedOutput:\n%s", o.output)
		discard(paths, outcomes, log)
		return nil, perr
	}

	finals := make([]string, len(paths))
	for i, in := range paths {
		finals[i] = FinalPath(in)
		log.Infof("Compressed %s (%s) to %s (%s)", in, fileSize(in), finals[i], fileSize(finals[i]))
	}
	for _, in := range paths {
		if err := os.Remove(in); err != nil {
			return nil, errors.Wrapf(err, "remove intermediate %s", in)
		}
	}
	return finals, nil
}

// discard removes the outputs this batch created, leaving every intermediate
func discard(paths []string, outcomes []outcome, log logger.ILogger) {
	for i, in := range paths {
		if outcomes[i].existed {
			continue
		}
		out := FinalPath(in)
		if err := os.Remove(out); err == nil {
			log.Infof("Removed %s", out)
		} else if !os.IsNotExist(err) {
			log.Errorf("Failed to remove %s: %v", out, err)
		}
	}
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(info.Size()))
}
