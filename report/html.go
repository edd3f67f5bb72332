package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// RenderHTML writes a chart page to out: the per-observation residual
// scatter split by camera, then the per-camera RMSE bars.
func (r *Report) RenderHTML(out io.Writer) error {
	page := components.NewPage()
	page.AddCharts(r.residualScatter(), r.cameraBars())
	return page.Render(out)
}

// WriteHTMLFile renders the chart page to the given path.
func (r *Report) WriteHTMLFile(htmlPath string) error {
	//nolint:gosec
	f, err := os.Create(htmlPath)
	if err != nil {
		return errors.Wrap(err, "error creating HTML file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return r.RenderHTML(f)
}

func (r *Report) residualScatter() *charts.Scatter {
	series := map[int][]opts.ScatterData{}
	maxPixels := 0.0
	for i, res := range r.Residuals {
		series[res.Port] = append(series[res.Port], opts.ScatterData{Value: []interface{}{i, res.Pixels}})
		if res.Pixels > maxPixels {
			maxPixels = res.Pixels
		}
	}
	pad := maxPixels * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration Report", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "Reprojection residuals",
			Subtitle: fmt.Sprintf("rmse=%.3fpx observations=%d unmatched=%d (%.2f%%)",
				r.RMSE, r.Observations, r.Unmatched, r.UnmatchedFraction*100),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: float64(len(r.Residuals)), Name: "observation", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "error (px)", NameLocation: "middle", NameGap: 30}),
	)
	for _, cam := range r.Cameras {
		scatter.AddSeries(fmt.Sprintf("port %d", cam.Port), series[cam.Port],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	return scatter
}

func (r *Report) cameraBars() *charts.Bar {
	x := make([]string, 0, len(r.Cameras))
	y := make([]opts.BarData, 0, len(r.Cameras))
	for _, cam := range r.Cameras {
		x = append(x, fmt.Sprintf("port %d", cam.Port))
		y = append(y, opts.BarData{Value: cam.RMSE})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-camera RMSE", Subtitle: r.CreatedAt.Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("rmse (px)", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
