// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns for each path the minimal name that distinguishes it from the others:
// the path components where they differ. If they differ in more than one component, the first
// and last differing ones are joined with "...".
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, components := range splitPaths {
		var diffIndexes []int
		for jj, otherComponents := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(otherComponents)) {
				if components[kk] != otherComponents[kk] && !slices.Contains(diffIndexes, kk) {
					diffIndexes = append(diffIndexes, kk)
				}
			}
		}
		slices.Sort(diffIndexes)
		switch len(diffIndexes) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[diffIndexes[0]]
		default:
			result[ii] = components[diffIndexes[0]] + "..." + components[diffIndexes[len(diffIndexes)-1]]
		}
	}
	return result
}
