// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/speech2face/flowtrain/pkg/ml/hparams"
)

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the hyperparameters currently defined in p.
//
// The flag should be created before the call to `flags.Parse()`, and its value parsed with
// hparams.Params.ParseSettings.
//
// Example usage:
//
//	func main() {
//		p := train.DefaultParams()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		paramsSet, err := p.ParseSettings(*settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedSettings(p, paramsSet))
//		...
//	}
func CreateSettingsFlag(p *hparams.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set hyperparameters. `+
			`It should be a list of elements "Section.key=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	p.Enumerate(func(path string, value any) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", path, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-prints the values of all hyperparameters into a string.
func SprintSettings(p *hparams.Params) string {
	var parts []string
	p.Enumerate(func(path string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", path, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the values of the hyperparameters in paramsSet, as returned
// by hparams.Params.ParseSettings. Duplicates are printed once.
func SprintModifiedSettings(p *hparams.Params, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, path := range slices.Compact(paramsSet) {
		value, found := p.Get(path)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", path, value, value))
	}
	return strings.Join(parts, "\n")
}
