// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the rotating set of training checkpoints: the model state, the
// optimizer state and the global step, always saved and restored together.
//
// Each checkpoint is a pair of files in the checkpoints directory: `<id>.bin` with the raw tensor
// values and `<id>.json` with the metadata describing them. The JSON file is written last, and its
// presence marks the checkpoint as valid. Two pointer files, "latest" and "best", hold the id of
// the most recent and of the best checkpoint.
//
// Example:
//
//	handler, err := checkpoints.Build(dir).Keep(3).Done()
//	if err != nil { … }
//	id, err := handler.Save(step, m.StateDict(), opt.StateDict(), true)
//	…
//	state, err := handler.Load(checkpoints.Latest)
//	if errors.Is(err, checkpoints.ErrNotFound) { … start from scratch … }
package checkpoints

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/core/tensors"
	"github.com/speech2face/flowtrain/pkg/ml/model"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned (wrapped) by Handler.Load when the requested checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")
)

const (
	// Latest names the pointer to the most recently saved checkpoint.
	Latest = "latest"

	// Best names the pointer to the checkpoint last saved with markBest.
	Best = "best"

	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the metadata files of the checkpoints returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values).
	BinDataSuffix = ".bin"

	// BackupDir is the sub-directory of the checkpoints directory that holds backups. See Handler.Backup.
	BackupDir = "backup"
)

// Groups of state saved in a checkpoint.
const (
	ModelGroup     = "model"
	OptimizerGroup = "optimizer"
)

// State is the training state restored from a checkpoint.
type State struct {
	Step      int64
	Model     model.StateDict
	Optimizer model.StateDict
}

// Config for a Handler, created with Build and finalized with Done.
type Config struct {
	dir           string
	keep          int
	halfPrecision bool
	compress      bool
	err           error
}

// Build a configuration for a checkpoints Handler on the given directory. The directory is
// created on the first Save, if it doesn't exist yet.
//
// By default, it keeps the 3 most recent checkpoints, in full precision and without compression.
func Build(dir string) *Config {
	c := &Config{keep: 3}
	c.dir, c.err = fsutil.ReplaceTildeInDir(dir)
	if c.err == nil && c.dir == "" {
		c.err = errors.New("checkpoints.Build: empty directory given")
	}
	return c
}

// Keep the n most recent checkpoints. It must be at least 1.
func (c *Config) Keep(n int) *Config {
	if n < 1 && c.err == nil {
		c.err = errors.Errorf("checkpoints.Keep(%d): at least one checkpoint must be kept", n)
	}
	c.keep = n
	return c
}

// HalfPrecision stores the tensor values as float16, halving the size of the checkpoints at the
// cost of precision.
func (c *Config) HalfPrecision(enabled bool) *Config {
	c.halfPrecision = enabled
	return c
}

// WithCompression sets whether the binary data file is gzip compressed.
func (c *Config) WithCompression(enabled bool) *Config {
	c.compress = enabled
	return c
}

// Done finalizes the configuration and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	h := &Handler{config: *c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	if len(list) > 0 {
		klog.V(1).Infof("%s: found %d existing checkpoints", h, len(list))
	}
	return h, nil
}

// Handler saves and loads checkpoints. It is not safe for concurrent use.
type Handler struct {
	config           Config
	checkpointsCount int
}

// Metadata is the contents of the JSON file of a checkpoint.
type Metadata struct {
	Step      int64
	CreatedAt time.Time

	// DType of the stored values: "float32" or "float16".
	DType string

	// BinFormat of the data file: "uncompressed" or "gzip".
	BinFormat string

	Variables []SerializedVar
}

// SerializedVar describes where one tensor is stored in the data file.
type SerializedVar struct {
	// Group is ModelGroup or OptimizerGroup.
	Group, Name string

	Dimensions []int

	// Pos, Length in bytes in the (uncompressed) data.
	Pos, Length int
}

const (
	dtypeFloat32 = "float32"
	dtypeFloat16 = "float16"

	binFormatUncompressed = "uncompressed"
	binFormatGzip         = "gzip"
)

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the checkpoints directory.
func (h *Handler) Dir() string {
	return h.config.dir
}

// newCheckpointBaseName returns the base name (id) for a new checkpoint.
func (h *Handler) newCheckpointBaseName(step int64) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-step-%08d", baseNamePrefix, h.checkpointsCount, now, step)
}

// ListCheckpoints returns the ids of the valid checkpoints, older first.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest count in the names of the saved
// checkpoints, so the next checkpoint uses this count+1. It returns -1 if there are none.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

func (h *Handler) path(name string) string {
	return filepath.Join(h.config.dir, name)
}

// Save writes a new checkpoint with the given step and states, updates the "latest" pointer (and
// the "best" pointer if markBest), and then removes the oldest checkpoints beyond the configured
// number to keep. The checkpoint just written is never removed.
//
// It returns the id of the new checkpoint.
func (h *Handler) Save(step int64, modelState, optimizerState model.StateDict, markBest bool) (id string, err error) {
	if err = fsutil.EnsureDir(h.config.dir); err != nil {
		return "", errors.WithMessagef(err, "%s: failed to create checkpoints directory", h)
	}
	id = h.newCheckpointBaseName(step)
	h.checkpointsCount++
	metadata := Metadata{
		Step:      step,
		CreatedAt: time.Now(),
		DType:     dtypeFloat32,
		BinFormat: binFormatUncompressed,
	}
	if h.config.halfPrecision {
		metadata.DType = dtypeFloat16
	}
	if h.config.compress {
		metadata.BinFormat = binFormatGzip
	}

	binPath := h.path(id + BinDataSuffix)
	err = fsutil.WriteFileAtomic(binPath, func(f *os.File) error {
		return h.writeData(f, &metadata, modelState, optimizerState)
	})
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint data file %s", h, binPath)
	}
	jsonPath := h.path(id + JsonNameSuffix)
	err = fsutil.WriteFileAtomic(jsonPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "\t")
		return enc.Encode(&metadata)
	})
	if err != nil {
		_ = os.Remove(binPath)
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint metadata file %s", h, jsonPath)
	}

	pointers := []string{Latest}
	if markBest {
		pointers = append(pointers, Best)
	}
	for _, pointer := range pointers {
		if err = h.writePointer(pointer, id); err != nil {
			return "", err
		}
	}
	klog.V(1).Infof("%s: saved checkpoint %q (step %d)", h, id, step)
	if err = h.keepNCheckpoints(id); err != nil {
		return "", err
	}
	return id, nil
}

// writeData writes the model and optimizer tensors to w, and records their position in metadata.
func (h *Handler) writeData(f *os.File, metadata *Metadata, modelState, optimizerState model.StateDict) error {
	var w io.Writer = f
	var gz *gzip.Writer
	if h.config.compress {
		gz = gzip.NewWriter(f)
		w = gz
	}
	pos := 0
	for _, group := range []struct {
		name  string
		state model.StateDict
	}{{ModelGroup, modelState}, {OptimizerGroup, optimizerState}} {
		for _, name := range group.state.Keys() {
			t := group.state[name]
			raw := h.encode(t.Data())
			if _, err := w.Write(raw); err != nil {
				return errors.Wrapf(err, "writing %s tensor %q", group.name, name)
			}
			metadata.Variables = append(metadata.Variables, SerializedVar{
				Group:      group.name,
				Name:       name,
				Dimensions: t.Shape(),
				Pos:        pos,
				Length:     len(raw),
			})
			pos += len(raw)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "closing gzip stream")
		}
	}
	return nil
}

// encode converts values to little-endian bytes, in the configured precision.
func (h *Handler) encode(values []float32) []byte {
	if h.config.halfPrecision {
		raw := make([]byte, 2*len(values))
		for ii, v := range values {
			binary.LittleEndian.PutUint16(raw[2*ii:], float16.Fromfloat32(v).Bits())
		}
		return raw
	}
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return raw
}

func decode(raw []byte, dtype string) ([]float32, error) {
	switch dtype {
	case dtypeFloat32:
		if len(raw)%4 != 0 {
			return nil, errors.Errorf("float32 data with %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/4)
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
		}
		return values, nil
	case dtypeFloat16:
		if len(raw)%2 != 0 {
			return nil, errors.Errorf("float16 data with %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/2)
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32()
		}
		return values, nil
	}
	return nil, errors.Errorf("unknown checkpoint dtype %q", dtype)
}

func (h *Handler) writePointer(pointer, id string) error {
	err := fsutil.WriteFileAtomic(h.path(pointer), func(f *os.File) error {
		_, err := f.WriteString(id + "\n")
		return err
	})
	return errors.WithMessagef(err, "%s: failed to update %q pointer", h, pointer)
}

// Pointer returns the checkpoint id held by the pointer (Latest or Best). It returns an error
// wrapping ErrNotFound if the pointer doesn't exist.
func (h *Handler) Pointer(pointer string) (string, error) {
	contents, err := os.ReadFile(h.path(pointer))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.Wrapf(ErrNotFound, "%s: no %q checkpoint", h, pointer)
		}
		return "", errors.Wrapf(err, "%s: failed to read %q pointer", h, pointer)
	}
	return strings.TrimSpace(string(contents)), nil
}

// resolve converts "latest", "best" or a checkpoint id to an id of an existing checkpoint.
func (h *Handler) resolve(which string) (string, error) {
	id := which
	switch which {
	case Latest, "":
		var err error
		id, err = h.Pointer(Latest)
		if err != nil && errors.Is(err, ErrNotFound) {
			// Pointer missing (e.g.: checkpoints copied by hand): take the most recent one.
			list, listErr := h.ListCheckpoints()
			if listErr != nil {
				return "", listErr
			}
			if len(list) == 0 {
				return "", errors.Wrapf(ErrNotFound, "%s: no checkpoints saved", h)
			}
			id, err = list[len(list)-1], nil
		}
		if err != nil {
			return "", err
		}
	case Best:
		var err error
		id, err = h.Pointer(Best)
		if err != nil {
			return "", err
		}
	}
	exists, err := fsutil.FileExists(h.path(id + JsonNameSuffix))
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Wrapf(ErrNotFound, "%s: checkpoint %q (requested as %q)", h, id, which)
	}
	return id, nil
}

// Metadata reads the metadata of the checkpoint: an id, Latest or Best.
func (h *Handler) Metadata(which string) (*Metadata, error) {
	id, err := h.resolve(which)
	if err != nil {
		return nil, err
	}
	return h.readMetadata(id)
}

func (h *Handler) readMetadata(id string) (*Metadata, error) {
	jsonPath := h.path(id + JsonNameSuffix)
	f, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint metadata %s", h, jsonPath)
	}
	defer func() { _ = f.Close() }()
	metadata := &Metadata{}
	if err = json.NewDecoder(f).Decode(metadata); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to parse checkpoint metadata %s", h, jsonPath)
	}
	return metadata, nil
}

// Load the checkpoint given by an id, Latest or Best. It returns an error wrapping ErrNotFound if
// there is no such checkpoint. Either the whole state is returned or an error.
func (h *Handler) Load(which string) (*State, error) {
	id, err := h.resolve(which)
	if err != nil {
		return nil, err
	}
	metadata, err := h.readMetadata(id)
	if err != nil {
		return nil, err
	}
	binPath := h.path(id + BinDataSuffix)
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint data %s", h, binPath)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = f
	switch metadata.BinFormat {
	case binFormatUncompressed, "":
	case binFormatGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: failed to decompress %s", h, binPath)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	default:
		return nil, errors.Errorf("%s: checkpoint %q has unsupported binary format %q", h, id, metadata.BinFormat)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read checkpoint data %s", h, binPath)
	}

	state := &State{Step: metadata.Step, Model: make(model.StateDict), Optimizer: make(model.StateDict)}
	for _, v := range metadata.Variables {
		if v.Pos < 0 || v.Length < 0 || v.Pos+v.Length > len(raw) {
			return nil, errors.Errorf("%s: checkpoint %q is truncated: %s tensor %q at [%d, %d) but data has %d bytes",
				h, id, v.Group, v.Name, v.Pos, v.Pos+v.Length, len(raw))
		}
		values, err := decode(raw[v.Pos:v.Pos+v.Length], metadata.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: checkpoint %q tensor %q", h, id, v.Name)
		}
		t, err := tensors.FromData(values, v.Dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: checkpoint %q tensor %q", h, id, v.Name)
		}
		switch v.Group {
		case ModelGroup:
			state.Model[v.Name] = t
		case OptimizerGroup:
			state.Optimizer[v.Name] = t
		default:
			return nil, errors.Errorf("%s: checkpoint %q has tensor %q in unknown group %q", h, id, v.Name, v.Group)
		}
	}
	klog.V(1).Infof("%s: loaded checkpoint %q (step %d)", h, id, state.Step)
	return state, nil
}

// keepNCheckpoints removes the oldest checkpoints beyond the number to keep, except justSaved.
func (h *Handler) keepNCheckpoints(justSaved string) error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	excess := len(list) - h.config.keep
	for _, id := range list {
		if excess <= 0 {
			break
		}
		if id == justSaved {
			continue
		}
		// Metadata first: a checkpoint without its JSON is no longer listed.
		for _, fileName := range []string{h.path(id + JsonNameSuffix), h.path(id + BinDataSuffix)} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
		klog.V(2).Infof("%s: removed checkpoint %q", h, id)
		excess--
	}
	return nil
}

// Backup links (or copies, if linking fails) the latest checkpoint to the BackupDir sub-directory,
// so it is not removed by the rotation.
func (h *Handler) Backup() error {
	id, err := h.resolve(Latest)
	if err != nil {
		return errors.WithMessage(err, "failed Backup()")
	}
	backupDir := h.path(BackupDir)
	if err = fsutil.EnsureDir(backupDir); err != nil {
		return err
	}
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		src := h.path(id + suffix)
		dst := filepath.Join(backupDir, id+suffix)
		if err := os.Link(src, dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return errors.WithMessagef(err, "failed to backup %q to %q", src, dst)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer func() { _ = in.Close() }()
	return fsutil.WriteFileAtomic(dst, func(out *os.File) error {
		_, err := io.Copy(out, in)
		return err
	})
}
