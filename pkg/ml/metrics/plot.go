// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/speech2face/flowtrain/pkg/support/fsutil"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotScalars draws the scalars as curves over the steps into a PNG file, one panel per
// metric type (e.g.: "loss", "lr"), stacked vertically.
func PlotScalars(scalars map[string][]ScalarRecord, filePath string) error {
	byType := make(map[string][]string)
	for name := range scalars {
		metricType := MetricType(name)
		byType[metricType] = append(byType[metricType], name)
	}
	if len(byType) == 0 {
		return errors.New("PlotScalars: no scalars to plot")
	}
	metricTypes := make([]string, 0, len(byType))
	for metricType := range byType {
		metricTypes = append(metricTypes, metricType)
	}
	sort.Strings(metricTypes)

	panels := make([][]*plot.Plot, len(metricTypes))
	for ii, metricType := range metricTypes {
		names := byType[metricType]
		sort.Strings(names)
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "step"
		p.Legend.Top = true
		for jj, name := range names {
			records := scalars[name]
			xys := make(plotter.XYs, len(records))
			for kk, record := range records {
				xys[kk].X, xys[kk].Y = record[1], record[2]
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return errors.Wrapf(err, "PlotScalars: failed to plot %q", name)
			}
			line.Color = plotutil.Color(jj)
			line.Dashes = plotutil.Dashes(jj)
			p.Add(line)
			p.Legend.Add(name, line)
		}
		panels[ii] = []*plot.Plot{p}
	}

	const panelWidth, panelHeight = 8 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(panelWidth, panelHeight*vg.Length(len(panels)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(panels), Cols: 1, PadY: vg.Millimeter * 4}
	canvases := plot.Align(panels, tiles, dc)
	for ii := range panels {
		panels[ii][0].Draw(canvases[ii][0])
	}
	err := fsutil.WriteFileAtomic(filePath, func(f *os.File) error {
		_, err := vgimg.PngCanvas{Canvas: img}.WriteTo(f)
		return err
	})
	return errors.WithMessagef(err, "PlotScalars: failed to write %q", filePath)
}
