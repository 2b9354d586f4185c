package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MetricLogger is the sink for named scalar metrics emitted per step/epoch
type MetricLogger interface {
	LogScalar(name string, value float64, step int)
}

// NopLogger discards all metrics
type NopLogger struct{}

// LogScalar discards the metric
func (NopLogger) LogScalar(name string, value float64, step int) {}

// ConsoleLogger prints scalars to stdout, at most once every Every steps per
// metric name to keep the training log readable.
type ConsoleLogger struct {
	Every int
	last  map[string]int
	mutex sync.Mutex
}

// NewConsoleLogger creates a console logger that prints every n steps
func NewConsoleLogger(every int) *ConsoleLogger {
	if every <= 0 {
		every = 50
	}
	return &ConsoleLogger{
		Every: every,
		last:  make(map[string]int),
	}
}

// LogScalar prints the metric when its print interval has elapsed
func (cl *ConsoleLogger) LogScalar(name string, value float64, step int) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if last, ok := cl.last[name]; ok && step-last < cl.Every {
		return
	}
	cl.last[name] = step

	fmt.Printf("step %d: %s=%.4f\n", step, name, value)
}

// scalarPoint is one buffered metric sample
type scalarPoint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

// SidecarLogger ships scalar metrics to a plotting sidecar service over
// HTTP. Samples are buffered locally and posted in batches by Flush, so a
// slow or absent sidecar never blocks a training step.
type SidecarLogger struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	enabled       bool

	buffer []scalarPoint
	mutex  sync.Mutex
}

// SidecarLoggerConfig contains configuration for the sidecar logger
type SidecarLoggerConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultSidecarLoggerConfig returns default configuration for the sidecar
func DefaultSidecarLoggerConfig() SidecarLoggerConfig {
	return SidecarLoggerConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewSidecarLogger creates a new sidecar metric logger. It starts disabled;
// call Enable once the sidecar is known to be reachable.
func NewSidecarLogger(config SidecarLoggerConfig) *SidecarLogger {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 1 * time.Second
	}

	return &SidecarLogger{
		baseURL:       config.BaseURL,
		httpClient:    &http.Client{Timeout: config.Timeout},
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
	}
}

// Enable enables shipping to the sidecar
func (sl *SidecarLogger) Enable() {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	sl.enabled = true
}

// Disable disables shipping; LogScalar becomes a no-op
func (sl *SidecarLogger) Disable() {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	sl.enabled = false
}

// IsEnabled returns whether the logger ships metrics
func (sl *SidecarLogger) IsEnabled() bool {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	return sl.enabled
}

// LogScalar buffers a metric sample for the next Flush
func (sl *SidecarLogger) LogScalar(name string, value float64, step int) {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if !sl.enabled {
		return
	}
	sl.buffer = append(sl.buffer, scalarPoint{Name: name, Value: value, Step: step})
}

// Pending returns the number of buffered samples
func (sl *SidecarLogger) Pending() int {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()
	return len(sl.buffer)
}

// Flush posts the buffered samples to the sidecar, retrying on failure.
// The buffer is cleared only after a successful post.
func (sl *SidecarLogger) Flush() error {
	sl.mutex.Lock()
	if !sl.enabled || len(sl.buffer) == 0 {
		sl.mutex.Unlock()
		return nil
	}
	points := make([]scalarPoint, len(sl.buffer))
	copy(points, sl.buffer)
	sl.mutex.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"metrics": points,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metrics payload: %v", err)
	}

	url := sl.baseURL + "/api/metrics"

	var lastErr error
	for attempt := 0; attempt < sl.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sl.retryDelay)
		}

		resp, err := sl.httpClient.Post(url, "application/json", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("sidecar returned status %d", resp.StatusCode)
			continue
		}

		sl.mutex.Lock()
		sl.buffer = sl.buffer[:0]
		sl.mutex.Unlock()
		return nil
	}

	return fmt.Errorf("failed to ship metrics after %d attempts: %v", sl.retryAttempts, lastErr)
}

// Ping checks whether the sidecar is reachable
func (sl *SidecarLogger) Ping() error {
	resp, err := sl.httpClient.Get(sl.baseURL + "/health")
	if err != nil {
		return fmt.Errorf("sidecar unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health check returned status %d", resp.StatusCode)
	}
	return nil
}
