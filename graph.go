// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package cistem

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const maxticks = 40
const yticknum = 20
const graphWidth = 1920
const graphHeight = 1080

// ScheduleStep is one iteration of a classification schedule
type ScheduleStep struct {
	Iteration   int
	HighRes     float64
	PercentUsed float64
}

// createLine creates a horizontal line with a particular y value for
// a graph
func createLine(xvalues []float64, y float64, c drawing.Color) chart.ContinuousSeries {
	var yvalues []float64
	for range xvalues {
		yvalues = append(yvalues, y)
	}
	return chart.ContinuousSeries{
		XValues: xvalues,
		YValues: yvalues,
		Style: chart.Style{
			StrokeColor:     c,
			StrokeDashArray: []float64{5.0, 5.0},
		},
	}
}

// spanTicks returns about n evenly spaced ticks from lo to hi
func spanTicks(lo, hi float64, n int, format string) []chart.Tick {
	if hi <= lo {
		hi = lo + 1
	}
	var ticks []chart.Tick
	for i := 0; i <= n; i++ {
		v := lo + float64(i)*(hi-lo)/float64(n)
		ticks = append(ticks, chart.Tick{Value: v, Label: fmt.Sprintf(format, v)})
	}
	return ticks
}

// ShiftGraph draws the path of the global frame shifts of a movie,
// in pixels, labelling the first and last frames
func ShiftGraph(x, y []float64, frames []int, title string, w io.Writer) error {
	if len(x) < 2 || len(x) != len(y) {
		return errors.New("Not enough shifts to graph")
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range x {
		lo = math.Min(lo, math.Min(x[i], y[i]))
		hi = math.Max(hi, math.Max(x[i], y[i]))
	}
	// keep the axes square so the drift is not distorted
	pad := math.Max((hi-lo)*0.1, 0.5)
	ticks := spanTicks(lo-pad, hi+pad, 10, "%.1f")

	var annotations []chart.Value2
	label := func(i int) string {
		if i < len(frames) {
			return fmt.Sprintf("%d", frames[i])
		}
		return fmt.Sprintf("%d", i+1)
	}
	annotations = append(annotations, chart.Value2{Label: label(0), XValue: x[0], YValue: y[0]})
	last := len(x) - 1
	annotations = append(annotations, chart.Value2{Label: label(last), XValue: x[last], YValue: y[last]})

	graph := chart.Chart{
		Title:  title,
		Width:  graphHeight,
		Height: graphHeight,
		XAxis: chart.XAxis{
			Name:  "Shift X (px)",
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name:  "Shift Y (px)",
			Ticks: ticks,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Style: chart.Style{
					StrokeColor: chart.ColorBlue,
					DotColor:    chart.ColorBlue,
					DotWidth:    3,
				},
				XValues: x,
				YValues: y,
			},
			chart.AnnotationSeries{
				Annotations: annotations,
			},
		},
	}
	return graph.Render(chart.PNG, w)
}

// ScheduleGraph draws the high resolution limit and the percentage
// of particles used for each iteration of a classification
func ScheduleGraph(steps []ScheduleStep, title string, w io.Writer) error {
	if len(steps) < 2 {
		return errors.New("Not enough iterations to graph")
	}

	var xvalues, res, pct []float64
	var ticks []chart.Tick
	tickevery := len(steps) / maxticks
	if tickevery < 1 {
		tickevery = 1
	}
	maxres := 0.0
	for i, s := range steps {
		x := float64(s.Iteration)
		xvalues = append(xvalues, x)
		res = append(res, s.HighRes)
		pct = append(pct, s.PercentUsed)
		maxres = math.Max(maxres, s.HighRes)
		if i%tickevery == 0 {
			ticks = append(ticks, chart.Tick{Value: x, Label: fmt.Sprintf("%d", s.Iteration)})
		}
	}
	// Make last tick the final iteration
	final := steps[len(steps)-1]
	ticks[len(ticks)-1] = chart.Tick{Value: float64(final.Iteration), Label: fmt.Sprintf("%d", final.Iteration)}

	final100 := createLine(xvalues, 100, chart.ColorAlternateGray)
	final100.YAxis = chart.YAxisSecondary

	graph := chart.Chart{
		Title:  title,
		Width:  graphWidth,
		Height: graphHeight,
		XAxis: chart.XAxis{
			Name:  "Iteration",
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name:  "High resolution limit (A)",
			Ticks: spanTicks(0, math.Ceil(maxres*1.1), yticknum, "%.1f"),
		},
		YAxisSecondary: chart.YAxis{
			Name:  "Particles used (%)",
			Ticks: spanTicks(0, 100, 10, "%.0f"),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name: "High resolution limit",
				Style: chart.Style{
					StrokeColor: chart.ColorBlue,
				},
				XValues: xvalues,
				YValues: res,
			},
			chart.ContinuousSeries{
				Name:  "Particles used",
				YAxis: chart.YAxisSecondary,
				Style: chart.Style{
					StrokeColor: chart.ColorOrange,
				},
				XValues: xvalues,
				YValues: pct,
			},
			final100,
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}

// ClassSizeGraph draws a bar for the number of particles in each
// class
func ClassSizeGraph(sizes []int, title string, w io.Writer) error {
	total := 0
	var bars []chart.Value
	for i, n := range sizes {
		total += n
		bars = append(bars, chart.Value{Value: float64(n), Label: fmt.Sprintf("%d", i+1)})
	}
	if total == 0 {
		return errors.New("No class members to graph")
	}

	barWidth := graphWidth / (len(sizes) * 2)
	if barWidth > 80 {
		barWidth = 80
	}
	if barWidth < 2 {
		barWidth = 2
	}
	graph := chart.BarChart{
		Title:    title,
		Width:    graphWidth,
		Height:   graphHeight,
		BarWidth: barWidth,
		YAxis: chart.YAxis{
			Name: "Particles",
			Range: &chart.ContinuousRange{
				Min: 0,
				Max: float64(total),
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, w)
}
