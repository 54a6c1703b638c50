package report

import "strconv"

// Chart artifacts use the config shape dashboard frontends consume:
// nothing here renders, the JSON describes the chart.

// Default color palette for chart series.
var defaultColors = []string{
	"#4F46E5", "#10B981", "#F59E0B", "#EF4444", "#8B5CF6",
	"#06B6D4", "#EC4899", "#84CC16", "#F97316", "#6366F1",
}

// ChartConfig defines how to render a chart.
type ChartConfig struct {
	ChartType  string        `json:"chartType"`
	Title      string        `json:"title"`
	XAxis      string        `json:"xAxis,omitempty"`
	YAxis      string        `json:"yAxis,omitempty"`
	Series     []ChartSeries `json:"series"`
	Colors     []string      `json:"colors,omitempty"`
	ShowLegend bool          `json:"showLegend"`
	ShowGrid   bool          `json:"showGrid"`
}

// ChartSeries represents a data series in a chart.
type ChartSeries struct {
	Name  string       `json:"name"`
	Data  []ChartPoint `json:"data"`
	Color string       `json:"color,omitempty"`
}

// ChartPoint represents a single data point.
type ChartPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// BuildLOSChart turns the length-of-stay histogram into a bar chart
// with one point per whole-day bucket plus the overflow bucket.
func BuildLOSChart(h LOSHistogram) *ChartConfig {
	points := make([]ChartPoint, 0, losBuckets+1)
	for i, n := range h.Buckets {
		points = append(points, ChartPoint{
			Label: strconv.Itoa(i),
			Value: float64(n),
		})
	}
	points = append(points, ChartPoint{
		Label: ">" + strconv.Itoa(losBuckets-1),
		Value: float64(h.Overflow),
	})

	return &ChartConfig{
		ChartType: "bar",
		Title:     "Length of Stay Distribution",
		XAxis:     "Length of stay (days)",
		YAxis:     "Admissions",
		Series: []ChartSeries{{
			Name: "Admissions",
			Data: points,
		}},
		Colors:     assignColors(1),
		ShowLegend: true,
		ShowGrid:   true,
	}
}

func assignColors(count int) []string {
	colors := make([]string, count)
	for i := 0; i < count; i++ {
		colors[i] = defaultColors[i%len(defaultColors)]
	}
	return colors
}
