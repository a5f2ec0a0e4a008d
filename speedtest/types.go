package speedtest

import "time"

const (
	DefaultDownloadSizeBytes = int64(100 * 1000 * 1000)
	DefaultUploadSizeBytes   = int64(20 * 1000 * 1000)
	DefaultRequestTimeout    = 30 * time.Second
	DefaultLatencySamples    = 3
	DefaultJitterSamples     = 10
	DefaultJitterDelay       = 100 * time.Millisecond
	DefaultServerID          = "cloudflare"
)

// Config carries the runtime parameters for one measurement run. It is plain
// data: build it once, hand it to New, and it is never mutated afterwards.
type Config struct {
	// DownloadSizeBytes is the number of bytes requested from the download
	// endpoint. The probe reports throughput from the bytes actually
	// received, so a truncated transfer yields a lower figure, not an error.
	DownloadSizeBytes int64
	// UploadSizeBytes is the size of the zero-filled upload payload.
	UploadSizeBytes int64
	// RequestTimeout bounds each HTTP exchange, body transfer included.
	RequestTimeout time.Duration
	// LatencySamples is the number of sequential latency probes.
	LatencySamples int
	// JitterSamples is the number of sequential jitter probes.
	JitterSamples int
	// JitterDelay is the pacing interval between jitter probes. No delay is
	// applied before the first probe.
	JitterDelay time.Duration
	// ServerID names the measured endpoint in the result record.
	ServerID string
}

func (c Config) withDefaults() Config {
	if c.DownloadSizeBytes <= 0 {
		c.DownloadSizeBytes = DefaultDownloadSizeBytes
	}
	if c.UploadSizeBytes <= 0 {
		c.UploadSizeBytes = DefaultUploadSizeBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = DefaultLatencySamples
	}
	if c.JitterSamples <= 0 {
		c.JitterSamples = DefaultJitterSamples
	}
	if c.JitterDelay <= 0 {
		c.JitterDelay = DefaultJitterDelay
	}
	if c.ServerID == "" {
		c.ServerID = DefaultServerID
	}
	return c
}

// Endpoints holds the four probe URLs. Download is a printf template whose
// single %d verb receives the requested byte count.
type Endpoints struct {
	Download string
	Upload   string
	Latency  string
	Jitter   string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Download: downURLTemplate,
		Upload:   upURL,
		Latency:  latencyURL,
		Jitter:   jitterURL,
	}
}

// Result is the record produced by one measurement run. Every field is always
// populated: a probe that fails contributes 0.0 rather than aborting the run.
type Result struct {
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	DownloadMbps float64   `json:"download_speed_mbps" yaml:"download_speed_mbps"`
	UploadMbps   float64   `json:"upload_speed_mbps" yaml:"upload_speed_mbps"`
	PingMs       float64   `json:"ping_ms" yaml:"ping_ms"`
	JitterMs     float64   `json:"jitter_ms" yaml:"jitter_ms"`
	ServerID     string    `json:"server_id" yaml:"server_id"`
}

// Metadata describes the measurement path as reported by the server.
type Metadata struct {
	SrcIP      string
	SrcASN     string
	SrcCity    string
	SrcCountry string
	DstColo    string
}
