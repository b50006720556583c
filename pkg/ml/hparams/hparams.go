// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hparams holds the hyperparameters of a training run.
//
// Hyperparameters are grouped in sections (e.g. "Train", "Glow", "Schedule") and are addressed by
// their flat path "Section.key", e.g. "Train.batch_size". They can be loaded from a JSON file with
// one object per section, overridden from the command line (see ParseSettings) and dumped to the
// log directory of the run.
//
// The type of each value is defined by its default: values loaded or parsed for a known key are
// converted to the type of the current value.
package hparams

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"golang.org/x/exp/constraints"
)

// Separator between the section and the key of a parameter path.
const Separator = "."

// FileName used by Dump.
const FileName = "hparams.json"

// Params is a set of hyperparameters keyed by "Section.key".
//
// It is not safe for concurrent modification.
type Params struct {
	values map[string]any
}

// New returns an empty set of hyperparameters.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// SplitPath splits "Section.key" into its section and key. A path without a section returns an
// empty section.
func SplitPath(path string) (section, key string) {
	idx := strings.Index(path, Separator)
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// Set the value of a parameter. It returns the Params itself, so calls can be chained.
func (p *Params) Set(path string, value any) *Params {
	p.values[path] = value
	return p
}

// Get the value of a parameter.
func (p *Params) Get(path string) (value any, found bool) {
	value, found = p.values[path]
	return
}

// Has returns whether the parameter is set.
func (p *Params) Has(path string) bool {
	_, found := p.values[path]
	return found
}

// Keys returns the sorted paths of all parameters.
func (p *Params) Keys() []string {
	return slices.Sorted(maps.Keys(p.values))
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.values)
}

// Clone returns a shallow copy: slices values are shared.
func (p *Params) Clone() *Params {
	return &Params{values: maps.Clone(p.values)}
}

// Enumerate calls fn for each parameter, sorted by path.
func (p *Params) Enumerate(fn func(path string, value any)) {
	for _, path := range p.Keys() {
		fn(path, p.values[path])
	}
}

// GetParamOr returns the value of the parameter converted to T, or defaultValue if it is not set
// or can't be converted.
//
// Numeric values are converted between types, since values read from JSON without a default
// are float64.
func GetParamOr[T any](p *Params, path string, defaultValue T) T {
	value, found := p.values[path]
	if !found {
		return defaultValue
	}
	converted, err := convertLike(value, defaultValue)
	if err != nil {
		return defaultValue
	}
	return converted.(T)
}

// LoadJSON reads a hyperparameters file: a JSON object with one object per section.
// Keys of the top-level object that are not objects are stored without a section.
func LoadJSON(filePath string) (*Params, error) {
	p := New()
	if err := p.MergeJSON(filePath); err != nil {
		return nil, err
	}
	return p, nil
}

// MergeJSON reads a hyperparameters file (see LoadJSON) and sets its values, converted to the types
// of the values already set.
func (p *Params) MergeJSON(filePath string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read hyperparameters from %q", filePath)
	}
	var sections map[string]any
	if err := json.Unmarshal(contents, &sections); err != nil {
		return errors.Wrapf(err, "failed to parse hyperparameters from %q", filePath)
	}
	for name, section := range sections {
		entries, isSection := section.(map[string]any)
		if !isSection {
			if err := p.merge(name, section); err != nil {
				return errors.WithMessagef(err, "in %q", filePath)
			}
			continue
		}
		for key, value := range entries {
			if err := p.merge(name+Separator+key, value); err != nil {
				return errors.WithMessagef(err, "in %q", filePath)
			}
		}
	}
	return nil
}

func (p *Params) merge(path string, value any) error {
	current, found := p.values[path]
	if !found || current == nil {
		p.values[path] = normalizeJSON(value)
		return nil
	}
	converted, err := convertLike(value, current)
	if err != nil {
		return errors.WithMessagef(err, "parameter %q", path)
	}
	p.values[path] = converted
	return nil
}

// normalizeJSON converts JSON arrays of homogeneous values to typed slices.
func normalizeJSON(value any) any {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return value
	}
	switch list[0].(type) {
	case string:
		if converted, err := convertLike(value, []string(nil)); err == nil {
			return converted
		}
	case float64:
		if converted, err := convertLike(value, []float64(nil)); err == nil {
			return converted
		}
	}
	return value
}

// convertLike converts value to the type of like.
func convertLike(value, like any) (any, error) {
	switch like.(type) {
	case int:
		return toInteger[int](value)
	case int32:
		return toInteger[int32](value)
	case int64:
		return toInteger[int64](value)
	case uint:
		return toInteger[uint](value)
	case uint64:
		return toInteger[uint64](value)
	case float64:
		v, err := toFloat(value)
		return v, err
	case float32:
		v, err := toFloat(value)
		return float32(v), err
	case bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case string:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case []string:
		return toSlice(value, func(v any) (string, error) {
			s, ok := v.(string)
			if !ok {
				return "", errors.Errorf("%#v is not a string", v)
			}
			return s, nil
		})
	case []int:
		return toSlice(value, toInteger[int])
	case []float64:
		return toSlice(value, toFloat)
	default:
		if fmt.Sprintf("%T", like) == fmt.Sprintf("%T", value) {
			return value, nil
		}
	}
	return nil, errors.Errorf("can't convert %#v (%T) to %T", value, value, like)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, errors.Errorf("%#v (%T) is not a number", value, value)
}

func toInteger[T constraints.Integer](value any) (T, error) {
	f, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errors.Errorf("%v is not an integer", f)
	}
	return T(f), nil
}

func toSlice[T any](value any, convert func(any) (T, error)) ([]T, error) {
	if typed, ok := value.([]T); ok {
		return typed, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, errors.Errorf("%#v (%T) is not a list", value, value)
	}
	result := make([]T, 0, len(list))
	for _, v := range list {
		converted, err := convert(v)
		if err != nil {
			return nil, err
		}
		result = append(result, converted)
	}
	return result, nil
}

// MarshalJSON writes the parameters as one object per section.
func (p *Params) MarshalJSON() ([]byte, error) {
	sections := make(map[string]any)
	for path, value := range p.values {
		section, key := SplitPath(path)
		if section == "" {
			sections[key] = value
			continue
		}
		entries, ok := sections[section].(map[string]any)
		if !ok {
			entries = make(map[string]any)
			sections[section] = entries
		}
		entries[key] = value
	}
	return json.Marshal(sections)
}

// Dump writes the parameters to FileName in dir, in the format read by LoadJSON.
func (p *Params) Dump(dir string) (filePath string, err error) {
	if err = fsutil.EnsureDir(dir); err != nil {
		return
	}
	var contents []byte
	contents, err = json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize hyperparameters")
	}
	filePath = filepath.Join(dir, FileName)
	err = fsutil.WriteFileAtomic(filePath, func(f *os.File) error {
		_, err := f.Write(contents)
		return err
	})
	if err != nil {
		return "", errors.WithMessagef(err, "failed to dump hyperparameters")
	}
	return
}
