package speedtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	downURLTemplate = "https://speed.cloudflare.com/__down?bytes=%d"
	upURL           = "https://speed.cloudflare.com/__up"
	latencyURL      = "https://www.cloudflare.com"
	jitterURL       = "https://1.1.1.1/cdn-cgi/trace"
)

// Dependencies are the collaborators of a Tester. Every field is optional;
// zero values fall back to production defaults (a fresh client against the
// Cloudflare endpoints, a discarding logger, the wall clock).
type Dependencies struct {
	Client    *http.Client
	Endpoints *Endpoints
	Logger    *log.Logger
	Now       func() time.Time
}

// Tester runs the measurement probes and assembles their outputs into a
// Result. A Tester is safe for sequential reuse; Run never mutates it.
type Tester struct {
	cfg       Config
	client    *http.Client
	endpoints Endpoints
	logger    *log.Logger
	now       func() time.Time
}

func New(cfg Config, deps Dependencies) *Tester {
	cfg = cfg.withDefaults()

	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	endpoints := DefaultEndpoints()
	if deps.Endpoints != nil {
		endpoints = *deps.Endpoints
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Tester{
		cfg:       cfg,
		client:    client,
		endpoints: endpoints,
		logger:    logger,
		now:       now,
	}
}

func (t *Tester) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return t.client.Do(req)
}

func drainBody(resp *http.Response) (int64, error) {
	flushedSize, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		resp.Body.Close()
		return flushedSize, err
	}
	return flushedSize, resp.Body.Close()
}

// MeasureDownload fetches the configured number of bytes and returns the
// observed throughput in Mbps. The rate is computed from the bytes actually
// received, so a truncated transfer reports a real, lower figure. Any
// transport or read failure degrades to 0.
func (t *Tester) MeasureDownload(ctx context.Context) float64 {
	url := fmt.Sprintf(t.endpoints.Download, t.cfg.DownloadSizeBytes)

	start := t.now()
	resp, err := t.get(ctx, url)
	if err != nil {
		t.logger.Printf("download test failed: %v", err)
		return 0
	}
	received, err := drainBody(resp)
	elapsed := t.now().Sub(start)
	if err != nil {
		t.logger.Printf("download test failed: %v", err)
		return 0
	}

	return throughputMbps(received, elapsed)
}

// MeasureUpload posts a zero-filled payload of the configured size and
// returns the observed throughput in Mbps. The rate is computed from the
// requested payload size; the transfer is complete once the server has
// answered. Any failure degrades to 0.
func (t *Tester) MeasureUpload(ctx context.Context) float64 {
	payload := bytes.NewReader(make([]byte, t.cfg.UploadSizeBytes))

	start := t.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoints.Upload, payload)
	if err != nil {
		t.logger.Printf("upload test failed: %v", err)
		return 0
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Printf("upload test failed: %v", err)
		return 0
	}
	elapsed := t.now().Sub(start)
	if _, err := drainBody(resp); err != nil {
		t.logger.Printf("upload test failed: %v", err)
		return 0
	}

	return throughputMbps(t.cfg.UploadSizeBytes, elapsed)
}

// MeasureLatency issues sequential GETs against the latency endpoint and
// returns the mean round-trip time in milliseconds. Failed probes are logged
// and skipped; if every probe fails the result is 0.
func (t *Tester) MeasureLatency(ctx context.Context) float64 {
	samples := []float64{}

	for i := 0; i < t.cfg.LatencySamples; i++ {
		start := t.now()
		resp, err := t.get(ctx, t.endpoints.Latency)
		if err != nil {
			t.logger.Printf("latency sample %d failed: %v", i+1, err)
			continue
		}
		elapsed := t.now().Sub(start)
		if _, err := drainBody(resp); err != nil {
			t.logger.Printf("latency sample %d failed: %v", i+1, err)
			continue
		}
		samples = append(samples, durationMS(elapsed))
	}

	if len(samples) == 0 {
		t.logger.Printf("all latency samples failed")
		return 0
	}

	return getMean(samples)
}

// MeasureJitter issues paced GETs against the jitter endpoint and returns
// the mean absolute deviation between consecutive round-trip times, in
// milliseconds. Probes are spaced cfg.JitterDelay apart, with no delay
// before the first. Failed probes are logged and skipped; fewer than two
// usable samples yield 0.
func (t *Tester) MeasureJitter(ctx context.Context) float64 {
	limiter := rate.NewLimiter(rate.Every(t.cfg.JitterDelay), 1)
	samples := []float64{}

	for i := 0; i < t.cfg.JitterSamples; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.logger.Printf("jitter sampling stopped: %v", err)
			break
		}
		start := t.now()
		resp, err := t.get(ctx, t.endpoints.Jitter)
		if err != nil {
			t.logger.Printf("jitter sample %d failed: %v", i+1, err)
			continue
		}
		elapsed := t.now().Sub(start)
		if _, err := drainBody(resp); err != nil {
			t.logger.Printf("jitter sample %d failed: %v", i+1, err)
			continue
		}
		samples = append(samples, durationMS(elapsed))
	}

	return getMeanAbsDeviation(samples)
}

// Run executes the four probes in order (download, upload, latency, jitter)
// and assembles their outputs into a Result stamped with the completion
// time. Run never fails: probe errors surface as zeroed metrics, and the
// remaining fields are populated regardless.
func (t *Tester) Run(ctx context.Context) Result {
	t.logger.Printf("Testing download speed...")
	download := t.MeasureDownload(ctx)
	t.logger.Printf("Testing upload speed...")
	upload := t.MeasureUpload(ctx)
	t.logger.Printf("Testing ping...")
	ping := t.MeasureLatency(ctx)
	t.logger.Printf("Testing jitter...")
	jitter := t.MeasureJitter(ctx)

	return Result{
		Timestamp:    t.now().UTC(),
		DownloadMbps: download,
		UploadMbps:   upload,
		PingMs:       ping,
		JitterMs:     jitter,
		ServerID:     t.cfg.ServerID,
	}
}

// Metadata fetches the measurement path details the download endpoint
// reports about the client.
func (t *Tester) Metadata(ctx context.Context) (*Metadata, error) {
	resp, err := t.get(ctx, fmt.Sprintf(t.endpoints.Download, 0))
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch measurement metadata")
	}
	if _, err := drainBody(resp); err != nil {
		return nil, errors.Wrap(err, "could not fetch measurement metadata")
	}

	meta := &Metadata{
		SrcIP:      resp.Header.Get("cf-meta-ip"),
		SrcASN:     resp.Header.Get("cf-meta-asn"),
		SrcCity:    resp.Header.Get("cf-meta-city"),
		SrcCountry: resp.Header.Get("cf-meta-country"),
		DstColo:    resp.Header.Get("cf-meta-colo"),
	}
	if meta.SrcCity == "" {
		meta.SrcCity = "N/A"
	}
	if meta.SrcCountry == "" {
		meta.SrcCountry = "N/A"
	}

	return meta, nil
}
