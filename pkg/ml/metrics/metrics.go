// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements the sinks where the training loop reports scalars, histograms and
// text, keyed by a tag name and the global step.
//
// FileSink, created with Open, appends every Point as a JSON line to `events.jsonl` in its
// directory, and at Close exports all scalars to `all_scalars.json` and optionally plots them.
package metrics

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Sink receives the metrics of a training run. It's used from one goroutine only.
type Sink interface {
	// Scalar records a value for the tag name at the given step.
	Scalar(name string, value float64, step int64)

	// Histogram records the distribution of values for the tag name at the given step.
	Histogram(name string, values []float64, step int64)

	// Text records a text for the tag name at the given step.
	Text(name, text string, step int64)

	// Close flushes and closes the sink. It is idempotent: calls after the first return the
	// result of the first one.
	Close() error
}

// Kinds of Point.
const (
	KindScalar    = "scalar"
	KindHistogram = "histogram"
	KindText      = "text"
)

const (
	// EventsFileName is where FileSink appends the points, one JSON per line.
	EventsFileName = "events.jsonl"

	// ScalarsFileName is where FileSink exports all scalars at Close.
	ScalarsFileName = "all_scalars.json"

	// ScalarsPlotFileName is where FileSink plots the scalars at Close, if enabled.
	ScalarsPlotFileName = "scalars.png"

	// HistogramBins is the number of buckets of the histograms.
	HistogramBins = 30
)

// Point is one recorded metric.
type Point struct {
	RunID string
	Kind  string

	// Name is the tag, e.g.: "loss/loss_generative".
	Name string

	// MetricType is the prefix of the tag before the first "/", e.g.: "loss".
	// It's used when plotting, to group similar metrics.
	MetricType string

	Step     int64
	WallTime float64

	Value   float64  `json:",omitempty"`
	Text    string   `json:",omitempty"`
	Buckets []Bucket `json:",omitempty"`
}

// Bucket of a histogram: Count values in [Low, High).
type Bucket struct {
	Low, High, Count float64
}

// MetricType returns the prefix of a tag name before the first "/", or the name itself.
func MetricType(name string) string {
	if before, _, found := strings.Cut(name, "/"); found {
		return before
	}
	return name
}

// ScalarRecord is one scalar exported to all_scalars.json: [wall_time, step, value].
type ScalarRecord [3]float64

// FileSink writes the metrics to files in a directory. See package documentation.
type FileSink struct {
	dir   string
	runID string

	plotOnClose bool

	pointWriter chan<- Point
	errReport   <-chan error

	// scalars by tag, kept in memory for the export at Close. Non-finite values are not kept.
	scalars map[string][]ScalarRecord

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Open creates (or appends to) a FileSink in dir, which is created if it doesn't exist.
func Open(dir string) (*FileSink, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		return nil, errors.WithMessage(err, "metrics.Open")
	}
	s := &FileSink{
		dir:     dir,
		runID:   uuid.NewString(),
		scalars: make(map[string][]ScalarRecord),
	}
	s.pointWriter, s.errReport = createPointsWriter(filepath.Join(dir, EventsFileName))
	klog.V(1).Infof("metrics for run %s written to %q", s.runID, dir)
	return s, nil
}

// PlotOnClose configures the sink to plot all scalars to ScalarsPlotFileName at Close.
// It returns the sink, so calls can be cascaded.
func (s *FileSink) PlotOnClose(enabled bool) *FileSink {
	s.plotOnClose = enabled
	return s
}

// RunID is a unique id of the run, included in every Point.
func (s *FileSink) RunID() string {
	return s.runID
}

// Dir where the files are written.
func (s *FileSink) Dir() string {
	return s.dir
}

func (s *FileSink) write(point Point) {
	if s.closed {
		klog.Warningf("metrics: %s %q at step %d recorded after Close, dropped", point.Kind, point.Name, point.Step)
		return
	}
	point.RunID = s.runID
	point.MetricType = MetricType(point.Name)
	point.WallTime = float64(time.Now().UnixNano()) / 1e9
	s.pointWriter <- point
	if point.Kind == KindScalar && !isInvalid(point.Value) {
		s.scalars[point.Name] = append(s.scalars[point.Name],
			ScalarRecord{point.WallTime, float64(point.Step), point.Value})
	}
}

// Scalar implements Sink.
func (s *FileSink) Scalar(name string, value float64, step int64) {
	s.write(Point{Kind: KindScalar, Name: name, Step: step, Value: value})
}

// Histogram implements Sink.
func (s *FileSink) Histogram(name string, values []float64, step int64) {
	s.write(Point{Kind: KindHistogram, Name: name, Step: step, Buckets: MakeHistogram(values, HistogramBins)})
}

// Text implements Sink.
func (s *FileSink) Text(name, text string, step int64) {
	s.write(Point{Kind: KindText, Name: name, Step: step, Text: text})
}

// Close implements Sink: it waits for all points to be written, exports the scalars and,
// if configured, plots them.
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		close(s.pointWriter)
		err := <-s.errReport
		if exportErr := s.exportScalars(); err == nil {
			err = exportErr
		}
		if s.plotOnClose && len(s.scalars) > 0 {
			if plotErr := PlotScalars(s.scalars, filepath.Join(s.dir, ScalarsPlotFileName)); err == nil {
				err = plotErr
			}
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *FileSink) exportScalars() error {
	filePath := filepath.Join(s.dir, ScalarsFileName)
	err := fsutil.WriteFileAtomic(filePath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(s.scalars)
	})
	return errors.WithMessagef(err, "failed to export scalars to %q", filePath)
}

// createPointsWriter creates a channel to write Point to the given file, from a background goroutine.
// The error (or nil) is reported in errReport once pointWriter is closed. If any error occurs, it stops
// writing, but keeps draining pointWriter.
func createPointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open metrics file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		var enc *json.Encoder
		if f != nil {
			enc = json.NewEncoder(f)
		}
		for point := range pointChan {
			if err != nil {
				continue
			}
			if isInvalid(point.Value) {
				// JSON has no representation for NaN and infinities.
				point.Text = formatInvalid(point.Value)
				point.Value = 0
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %+v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil && closeErr != nil {
				err = errors.Wrapf(closeErr, "failed to close metrics file %q", filePath)
			}
		}
		errChan <- err
	}()
	return
}

func isInvalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func formatInvalid(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	}
	return "-Inf"
}

// LoadPoints parses all points saved in the given events file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metrics file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding metrics file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// MakeHistogram buckets the finite values in numBins equal-width bins spanning their range.
// It returns nil if there are no finite values.
func MakeHistogram(values []float64, numBins int) []Bucket {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !isInvalid(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Float64s(sorted)
	low, high := sorted[0], sorted[len(sorted)-1]
	if low == high || numBins < 1 {
		return []Bucket{{Low: low, High: math.Nextafter(high, math.Inf(1)), Count: float64(len(sorted))}}
	}
	dividers := make([]float64, numBins+1)
	floats.Span(dividers, low, high)
	// The last bucket must include the maximum value.
	dividers[numBins] = math.Nextafter(high, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)
	buckets := make([]Bucket, numBins)
	for ii := range buckets {
		buckets[ii] = Bucket{Low: dividers[ii], High: dividers[ii+1], Count: counts[ii]}
	}
	return buckets
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Scalar(string, float64, int64)      {}
func (Discard) Histogram(string, []float64, int64) {}
func (Discard) Text(string, string, int64)         {}
func (Discard) Close() error                       { return nil }

// Recorder is a Sink that keeps all points in memory. Useful for tests.
type Recorder struct {
	Points []Point
	Closes int
}

func (r *Recorder) Scalar(name string, value float64, step int64) {
	r.Points = append(r.Points, Point{Kind: KindScalar, Name: name, MetricType: MetricType(name), Step: step, Value: value})
}

func (r *Recorder) Histogram(name string, values []float64, step int64) {
	r.Points = append(r.Points, Point{Kind: KindHistogram, Name: name, MetricType: MetricType(name), Step: step,
		Buckets: MakeHistogram(values, HistogramBins)})
}

func (r *Recorder) Text(name, text string, step int64) {
	r.Points = append(r.Points, Point{Kind: KindText, Name: name, MetricType: MetricType(name), Step: step, Text: text})
}

// Close counts the calls to Close.
func (r *Recorder) Close() error {
	r.Closes++
	return nil
}

// Find returns the points with the given name.
func (r *Recorder) Find(name string) []Point {
	var found []Point
	for _, p := range r.Points {
		if p.Name == name {
			found = append(found, p)
		}
	}
	return found
}
