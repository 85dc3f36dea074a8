package render

import (
	"errors"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/yourname/go-hitcounter/internal/store"
)

var ErrInvalidChartType = errors.New("chart type must be bar, svg or js")

type ChartType string

const (
	ChartBar ChartType = "bar" // PNG
	ChartSVG ChartType = "svg"
	ChartJS  ChartType = "js"
)

const (
	chartWidth  = 800
	chartHeight = 400
	chartTitle  = "Access Logs"
)

// ParseChartType maps the type query parameter; empty means bar.
func ParseChartType(s string) (ChartType, error) {
	switch ChartType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChartBar:
		return ChartBar, nil
	case ChartSVG:
		return ChartSVG, nil
	case ChartJS:
		return ChartJS, nil
	default:
		return "", ErrInvalidChartType
	}
}

func (t ChartType) ContentType() string {
	switch t {
	case ChartSVG:
		return "image/svg+xml"
	case ChartJS:
		return "text/html; charset=utf-8"
	default:
		return "image/png"
	}
}

// Dense reports whether the chart wants every day of the window present.
func (t ChartType) Dense() bool {
	return t != ChartBar
}

// Chart writes points as the given chart type.
func Chart(w io.Writer, t ChartType, points []store.DailyCount) error {
	switch t {
	case ChartBar:
		return BarPNG(w, points)
	case ChartSVG:
		return LineSVG(w, points)
	case ChartJS:
		return ChartPage(w, points)
	default:
		return ErrInvalidChartType
	}
}

func yRange(points []store.DailyCount) *chart.ContinuousRange {
	var top int64 = 1
	for _, p := range points {
		if p.Count > top {
			top = p.Count
		}
	}
	return &chart.ContinuousRange{Min: 0, Max: float64(top) * 1.1}
}

// BarPNG draws one bar per day that had accesses.
func BarPNG(w io.Writer, points []store.DailyCount) error {
	bars := make([]chart.Value, 0, len(points))
	for _, p := range points {
		bars = append(bars, chart.Value{
			Label: p.Day.Format("01-02"),
			Value: float64(p.Count),
			Style: chart.Style{
				FillColor:   drawing.ColorFromHex("79C83D"),
				StrokeColor: drawing.ColorFromHex("5A9A2A"),
				StrokeWidth: 1,
			},
		})
	}
	if len(bars) == 0 {
		bars = append(bars, chart.Value{Label: "no data", Value: 0})
	}

	per := (chartWidth - 120) / len(bars)
	spacing := max(per/4, 1)
	width := min(max(per-spacing, 1), 60)

	graph := chart.BarChart{
		Title:      chartTitle,
		Background: chart.Style{Padding: chart.Box{Top: 40}},
		Width:      chartWidth,
		Height:     chartHeight,
		BarWidth:   width,
		BarSpacing: spacing,
		YAxis:      chart.YAxis{Range: yRange(points)},
		Bars:       bars,
	}
	return graph.Render(chart.PNG, w)
}

// LineSVG draws a dense daily series. A single day is widened to two points
// since a line needs a range.
func LineSVG(w io.Writer, points []store.DailyCount) error {
	if len(points) == 0 {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		points = []store.DailyCount{{Day: today}}
	}
	if len(points) == 1 {
		points = append([]store.DailyCount{{Day: points[0].Day.AddDate(0, 0, -1)}}, points...)
	}

	xs := make([]time.Time, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Day
		ys[i] = float64(p.Count)
	}

	graph := chart.Chart{
		Title:  chartTitle,
		Width:  chartWidth,
		Height: chartHeight,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{ValueFormatter: chart.TimeDateValueFormatter},
		YAxis: chart.YAxis{Range: yRange(points)},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "hits",
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("79C83D"),
					StrokeWidth: 2,
				},
				XValues: xs,
				YValues: ys,
			},
		},
	}
	return graph.Render(chart.SVG, w)
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="https://cdn.jsdelivr.net/npm/chart.js@4"></script>
</head>
<body>
<div style="width:800px;height:400px"><canvas id="chart"></canvas></div>
<script>
new Chart(document.getElementById("chart"), {
  type: "bar",
  data: {
    labels: {{.Labels}},
    datasets: [{label: "hits", data: {{.Counts}}, backgroundColor: "#79C83D"}]
  },
  options: {plugins: {title: {display: true, text: {{.Title}}}}, scales: {y: {beginAtZero: true}}}
});
</script>
</body>
</html>
`))

// ChartPage renders an HTML page that draws the series client side.
func ChartPage(w io.Writer, points []store.DailyCount) error {
	data := struct {
		Title  string
		Labels []string
		Counts []int64
	}{
		Title:  chartTitle,
		Labels: make([]string, 0, len(points)),
		Counts: make([]int64, 0, len(points)),
	}
	for _, p := range points {
		data.Labels = append(data.Labels, p.Day.Format("2006-01-02"))
		data.Counts = append(data.Counts, p.Count)
	}
	return pageTmpl.Execute(w, data)
}
