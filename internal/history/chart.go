package history

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/wcharczuk/go-chart/v2"

	"github.com/netpulsehq/netpulse/speedtest"
)

// RenderChart writes a PNG plotting download and upload throughput over
// time. results must be in chronological order; a line needs at least two
// points.
func RenderChart(path string, results []speedtest.Result) error {
	if len(results) < 2 {
		return errors.New("not enough history to chart (need at least two results)")
	}

	times := make([]time.Time, len(results))
	download := make([]float64, len(results))
	upload := make([]float64, len(results))
	for i, res := range results {
		times[i] = res.Timestamp
		download[i] = res.DownloadMbps
		upload[i] = res.UploadMbps
	}

	graph := chart.Chart{
		Title:  "Throughput history",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeMinuteValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Mbps",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Download",
				XValues: times,
				YValues: download,
				Style: chart.Style{
					StrokeColor: chart.GetDefaultColor(0),
				},
			},
			chart.TimeSeries{
				Name:    "Upload",
				XValues: times,
				YValues: upload,
				Style: chart.Style{
					StrokeColor: chart.GetDefaultColor(1),
				},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "could not create chart file")
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return errors.Wrap(err, "could not render chart")
	}
	return nil
}
