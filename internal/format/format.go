// Package format renders measurement results for the supported output
// formats and routes the rendered bytes to stdout or a file.
package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/netpulsehq/netpulse/speedtest"
)

const (
	Text = "text"
	JSON = "json"
	YAML = "yaml"
	CSV  = "csv"
)

var csvHeader = []string{"timestamp", "download_speed_mbps", "upload_speed_mbps", "ping_ms", "jitter_ms", "server_id"}

// Render serialises a result in the requested format. An empty format means
// text. The returned bytes are ready to write as-is and end with a newline.
func Render(res speedtest.Result, format string) ([]byte, error) {
	switch format {
	case Text, "":
		return renderText(res), nil
	case JSON:
		return renderJSON(res)
	case YAML:
		data, err := yaml.Marshal(res)
		return data, errors.Wrap(err, "could not encode result as YAML")
	case CSV:
		return renderCSV(res)
	default:
		return nil, errors.Errorf("unsupported output format %q", format)
	}
}

func renderText(res speedtest.Result) []byte {
	return []byte(fmt.Sprintf("Results:\nDownload: %.2f Mbps\nUpload: %.2f Mbps\nPing: %.0fms\nJitter: %.2fms\n",
		res.DownloadMbps, res.UploadMbps, res.PingMs, res.JitterMs))
}

func renderJSON(res speedtest.Result) ([]byte, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "could not encode result as JSON")
	}
	return append(data, '\n'), nil
}

func renderCSV(res speedtest.Result) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	writer.Write(csvHeader)
	writer.Write([]string{
		res.Timestamp.Format(time.RFC3339),
		formatFloat(res.DownloadMbps),
		formatFloat(res.UploadMbps),
		formatFloat(res.PingMs),
		formatFloat(res.JitterMs),
		res.ServerID,
	})

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "could not encode result as CSV")
	}
	return buf.Bytes(), nil
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// WriteOutput sends rendered output to path, or to stdout when path is
// empty.
func WriteOutput(data []byte, path string) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "could not write output file %s", path)
}
