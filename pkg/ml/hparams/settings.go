// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hparams

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"github.com/speech2face/flowtrain/pkg/support/xslices"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "Train.batch_size=16;Schedule.kind=noam".
//
// All the parameters must already be set with default values in p. The default values are also
// used to set the type to which the string values are parsed.
//
// A setting "file:<path>" reads settings from the file, one or more per line, where lines starting
// with "#" are comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the paths of the parameters set, in the order they were set.
func (p *Params) ParseSettings(settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = p.parseSetting(setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func (p *Params) parseSetting(setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = p.parseSetting(lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.SplitN(setting, "=", 2)
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<Section.key>=<value>\"", setting)
		return
	}
	paramPath, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	value, found := p.values[paramPath]
	if !found {
		err = errors.Errorf("can't set parameter %q because it has no default value", paramPath)
		return
	}
	value, err = parseValue(valueStr, value)
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, p.values[paramPath])
		return
	}
	p.values[paramPath] = value
	newParamsSet = append(newParamsSet, paramPath)
	return
}

// parseValue parses valueStr to the type of like.
func parseValue(valueStr string, like any) (value any, err error) {
	switch v := like.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int32:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case uint:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case uint64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		if valueStr == "" {
			value = []string{}
			break
		}
		value = strings.Split(valueStr, ",")
	case []int:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) int {
			var asInt int
			if newErr := json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &asInt); newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = fmt.Errorf("don't know how to parse type %T", like)
	}
	return
}
