package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/kv2share/internal/monitoring"
)

// handleCyclesChart renders the recent tick durations as an HTML line chart.
// This is a debugging-only endpoint.
func (ws *WebServer) handleCyclesChart(w http.ResponseWriter, r *http.Request) {
	samples := ws.samples()
	if len(samples) == 0 {
		writeJSONError(w, http.StatusNotFound, "no ticks recorded yet")
		return
	}

	x := make([]string, len(samples))
	data := make([]opts.LineData, len(samples))
	start := samples[0].At
	for i, s := range samples {
		x[i] = strconv.FormatFloat(s.At.Sub(start).Seconds(), 'f', 2, 64)
		ms := float64(s.Duration.Microseconds()) / 1000
		data[i] = opts.LineData{Value: ms, Name: s.Outcome}
	}

	sum := ws.cycles.Summary()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "kv2share ticks", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tick duration",
			Subtitle: fmt.Sprintf("ticks=%d mean=%.2fms p95=%.2fms fps=%.1f", sum.Count, sum.MeanMS, sum.P95MS, sum.FPS),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(x).AddSeries("duration", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCyclesHistogram renders a histogram of tick durations as SVG.
// Query params:
//   - bins (optional; default 20)
func (ws *WebServer) handleCyclesHistogram(w http.ResponseWriter, r *http.Request) {
	samples := ws.samples()
	if len(samples) == 0 {
		writeJSONError(w, http.StatusNotFound, "no ticks recorded yet")
		return
	}
	bins := 20
	if b := r.URL.Query().Get("bins"); b != "" {
		if v, err := strconv.Atoi(b); err == nil && v > 0 && v <= 200 {
			bins = v
		}
	}

	values := make(plotter.Values, len(samples))
	for i, s := range samples {
		values[i] = float64(s.Duration.Microseconds()) / 1000
	}

	p := plot.New()
	p.Title.Text = "Tick duration"
	p.X.Label.Text = "ms"
	p.Y.Label.Text = "ticks"
	hist, err := plotter.NewHist(values, bins)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build histogram: %v", err))
		return
	}
	hist.LineStyle.Width = vg.Points(0.5)
	p.Add(hist)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "svg")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) samples() []monitoring.CycleSample {
	if ws.cycles == nil {
		return nil
	}
	return ws.cycles.Samples()
}
