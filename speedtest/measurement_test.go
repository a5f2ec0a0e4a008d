package speedtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

var testEpoch = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

// fakeClock returns scripted instants: each call yields the current time,
// then advances it by the next step. Calls beyond the script return the
// final instant unchanged.
type fakeClock struct {
	current time.Time
	steps   []time.Duration
	calls   int
}

func (c *fakeClock) Now() time.Time {
	now := c.current
	if c.calls < len(c.steps) {
		c.current = c.current.Add(c.steps[c.calls])
	}
	c.calls++
	return now
}

func serveBytes(w http.ResponseWriter, n int64) {
	chunk := make([]byte, 1024*1024)
	for n > 0 {
		size := int64(len(chunk))
		if n < size {
			size = n
		}
		w.Write(chunk[:size])
		n -= size
	}
}

// newTestServer serves all four probe endpoints the way the production ones
// behave: the download path honours its requested byte count, the upload
// path drains the payload, the other two answer immediately.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/__down", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
		serveBytes(w, n)
	})
	mux.HandleFunc("/__up", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	})
	mux.HandleFunc("/cdn-cgi/trace", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fl=1f23\nip=203.0.113.9\nts=1700000000.000\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testEndpoints(baseURL string) *Endpoints {
	return &Endpoints{
		Download: baseURL + "/__down?bytes=%d",
		Upload:   baseURL + "/__up",
		Latency:  baseURL + "/",
		Jitter:   baseURL + "/cdn-cgi/trace",
	}
}

// closedServer yields endpoints whose server is already gone, so every
// request fails at the transport level.
func closedServer() (*http.Client, *Endpoints) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := srv.Client()
	endpoints := testEndpoints(srv.URL)
	srv.Close()
	return client, endpoints
}

func TestNewAppliesDefaults(t *testing.T) {
	tester := New(Config{}, Dependencies{})

	assert.Equal(t, tester.cfg.DownloadSizeBytes, DefaultDownloadSizeBytes)
	assert.Equal(t, tester.cfg.UploadSizeBytes, DefaultUploadSizeBytes)
	assert.Equal(t, tester.cfg.RequestTimeout, DefaultRequestTimeout)
	assert.Equal(t, tester.cfg.LatencySamples, DefaultLatencySamples)
	assert.Equal(t, tester.cfg.JitterSamples, DefaultJitterSamples)
	assert.Equal(t, tester.cfg.JitterDelay, DefaultJitterDelay)
	assert.Equal(t, tester.cfg.ServerID, DefaultServerID)
	assert.Equal(t, tester.endpoints, DefaultEndpoints())
	assert.Equal(t, tester.client.Timeout, DefaultRequestTimeout)
}

func TestMeasureDownload(t *testing.T) {
	srv := newTestServer(t)
	clock := &fakeClock{current: testEpoch, steps: []time.Duration{time.Second}}
	tester := New(Config{DownloadSizeBytes: 50 * 1000 * 1000}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureDownload(context.Background()), 400.0)
}

func TestMeasureDownloadUsesReceivedBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveBytes(w, 25*1000*1000)
	}))
	defer srv.Close()

	clock := &fakeClock{current: testEpoch, steps: []time.Duration{time.Second}}
	tester := New(Config{DownloadSizeBytes: 50 * 1000 * 1000}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	// Half the requested bytes arrived, so the reported rate is halved too.
	assert.Equal(t, tester.MeasureDownload(context.Background()), 200.0)
}

func TestMeasureDownloadFailure(t *testing.T) {
	client, endpoints := closedServer()
	logs := &bytes.Buffer{}
	tester := New(Config{}, Dependencies{
		Client:    client,
		Endpoints: endpoints,
		Logger:    log.New(logs, "", 0),
		Now:       (&fakeClock{current: testEpoch}).Now,
	})

	assert.Equal(t, tester.MeasureDownload(context.Background()), float64(0))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("download test failed")))
}

func TestMeasureUpload(t *testing.T) {
	var uploaded int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	clock := &fakeClock{current: testEpoch, steps: []time.Duration{2 * time.Second}}
	tester := New(Config{UploadSizeBytes: 20 * 1000 * 1000}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureUpload(context.Background()), 80.0)
	assert.Equal(t, uploaded, int64(20*1000*1000))
}

func TestMeasureUploadFailure(t *testing.T) {
	client, endpoints := closedServer()
	logs := &bytes.Buffer{}
	tester := New(Config{UploadSizeBytes: 1000}, Dependencies{
		Client:    client,
		Endpoints: endpoints,
		Logger:    log.New(logs, "", 0),
		Now:       (&fakeClock{current: testEpoch}).Now,
	})

	assert.Equal(t, tester.MeasureUpload(context.Background()), float64(0))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("upload test failed")))
}

func TestMeasureLatency(t *testing.T) {
	srv := newTestServer(t)
	clock := &fakeClock{current: testEpoch, steps: []time.Duration{
		12 * time.Millisecond, 0,
		14 * time.Millisecond, 0,
		13 * time.Millisecond, 0,
	}}
	tester := New(Config{LatencySamples: 3}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureLatency(context.Background()), 13.0)
}

func TestMeasureLatencySkipsFailedSamples(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			assert.NilError(t, err)
			conn.Close()
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client := srv.Client()
	client.Transport.(*http.Transport).DisableKeepAlives = true

	// First sample dies mid-exchange and consumes a single clock read; the
	// two that succeed consume a pair each.
	clock := &fakeClock{current: testEpoch, steps: []time.Duration{
		0,
		10 * time.Millisecond, 0,
		30 * time.Millisecond, 0,
	}}
	logs := &bytes.Buffer{}
	tester := New(Config{LatencySamples: 3}, Dependencies{
		Client:    client,
		Endpoints: testEndpoints(srv.URL),
		Logger:    log.New(logs, "", 0),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureLatency(context.Background()), 20.0)
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("latency sample 1 failed")))
}

func TestMeasureLatencyAllFailed(t *testing.T) {
	client, endpoints := closedServer()
	logs := &bytes.Buffer{}
	tester := New(Config{LatencySamples: 3}, Dependencies{
		Client:    client,
		Endpoints: endpoints,
		Logger:    log.New(logs, "", 0),
		Now:       (&fakeClock{current: testEpoch}).Now,
	})

	assert.Equal(t, tester.MeasureLatency(context.Background()), float64(0))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("all latency samples failed")))
}

func TestMeasureJitter(t *testing.T) {
	srv := newTestServer(t)
	clock := &fakeClock{current: testEpoch, steps: []time.Duration{
		100 * time.Millisecond, 0,
		105 * time.Millisecond, 0,
		95 * time.Millisecond, 0,
		110 * time.Millisecond, 0,
	}}
	tester := New(Config{JitterSamples: 4, JitterDelay: time.Nanosecond}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureJitter(context.Background()), 10.0)
}

func TestMeasureJitterSingleSample(t *testing.T) {
	srv := newTestServer(t)
	clock := &fakeClock{current: testEpoch, steps: []time.Duration{5 * time.Millisecond}}
	tester := New(Config{JitterSamples: 1, JitterDelay: time.Nanosecond}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureJitter(context.Background()), float64(0))
}

func TestMeasureJitterSkipsFailedSamples(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			assert.NilError(t, err)
			conn.Close()
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client := srv.Client()
	client.Transport.(*http.Transport).DisableKeepAlives = true

	clock := &fakeClock{current: testEpoch, steps: []time.Duration{
		100 * time.Millisecond, 0,
		0,
		105 * time.Millisecond, 0,
		95 * time.Millisecond, 0,
	}}
	logs := &bytes.Buffer{}
	tester := New(Config{JitterSamples: 4, JitterDelay: time.Nanosecond}, Dependencies{
		Client:    client,
		Endpoints: testEndpoints(srv.URL),
		Logger:    log.New(logs, "", 0),
		Now:       clock.Now,
	})

	assert.Equal(t, tester.MeasureJitter(context.Background()), 7.5)
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("jitter sample 2 failed")))
}

func runSteps() []time.Duration {
	return []time.Duration{
		time.Second, 0,
		2 * time.Second, 0,
		12 * time.Millisecond, 0,
		14 * time.Millisecond, 0,
		13 * time.Millisecond, 0,
		50 * time.Millisecond, 0,
		52 * time.Millisecond, 0,
		49 * time.Millisecond, 0,
	}
}

func runConfig() Config {
	return Config{
		DownloadSizeBytes: 50 * 1000 * 1000,
		UploadSizeBytes:   20 * 1000 * 1000,
		LatencySamples:    3,
		JitterSamples:     3,
		JitterDelay:       time.Nanosecond,
	}
}

func TestRun(t *testing.T) {
	srv := newTestServer(t)
	clock := &fakeClock{current: testEpoch, steps: runSteps()}
	tester := New(runConfig(), Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
		Now:       clock.Now,
	})

	res := tester.Run(context.Background())

	assert.Equal(t, res.DownloadMbps, 400.0)
	assert.Equal(t, res.UploadMbps, 80.0)
	assert.Equal(t, res.PingMs, 13.0)
	assert.Equal(t, res.JitterMs, 2.5)
	assert.Equal(t, res.ServerID, "cloudflare")
	assert.Assert(t, res.Timestamp.Equal(testEpoch.Add(3*time.Second+190*time.Millisecond)))
}

func TestRunIsRepeatable(t *testing.T) {
	srv := newTestServer(t)

	results := make([]Result, 2)
	for i := range results {
		clock := &fakeClock{current: testEpoch, steps: runSteps()}
		tester := New(runConfig(), Dependencies{
			Client:    srv.Client(),
			Endpoints: testEndpoints(srv.URL),
			Now:       clock.Now,
		})
		results[i] = tester.Run(context.Background())
	}

	assert.DeepEqual(t, results[0], results[1])
}

func TestRunDegradesToZero(t *testing.T) {
	client, endpoints := closedServer()
	logs := &bytes.Buffer{}
	tester := New(Config{LatencySamples: 2, JitterSamples: 2, JitterDelay: time.Nanosecond}, Dependencies{
		Client:    client,
		Endpoints: endpoints,
		Logger:    log.New(logs, "", 0),
		Now:       (&fakeClock{current: testEpoch}).Now,
	})

	res := tester.Run(context.Background())

	assert.Equal(t, res.DownloadMbps, float64(0))
	assert.Equal(t, res.UploadMbps, float64(0))
	assert.Equal(t, res.PingMs, float64(0))
	assert.Equal(t, res.JitterMs, float64(0))
	assert.Equal(t, res.ServerID, "cloudflare")
	assert.Assert(t, res.Timestamp.Equal(testEpoch))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("download test failed")))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("upload test failed")))
	assert.Assert(t, bytes.Contains(logs.Bytes(), []byte("all latency samples failed")))
}

func TestMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-meta-ip", "198.51.100.7")
		w.Header().Set("cf-meta-asn", "64496")
		w.Header().Set("cf-meta-country", "JP")
		w.Header().Set("cf-meta-colo", "NRT")
	}))
	defer srv.Close()

	tester := New(Config{}, Dependencies{
		Client:    srv.Client(),
		Endpoints: testEndpoints(srv.URL),
	})

	meta, err := tester.Metadata(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, meta, &Metadata{
		SrcIP:      "198.51.100.7",
		SrcASN:     "64496",
		SrcCity:    "N/A",
		SrcCountry: "JP",
		DstColo:    "NRT",
	})
}

func TestMetadataFailure(t *testing.T) {
	client, endpoints := closedServer()
	tester := New(Config{}, Dependencies{Client: client, Endpoints: endpoints})

	_, err := tester.Metadata(context.Background())
	assert.ErrorContains(t, err, "could not fetch measurement metadata")
}
