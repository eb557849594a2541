// Package health probes the companion service: TCP reachability, the
// /health endpoint and the /status metadata. Probes run concurrently and
// each report is kept in a bounded history.
package health

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/companion-console/console/internal/interfaces"
	"github.com/companion-console/console/internal/logging"
	"github.com/companion-console/console/internal/protocol"
)

// CheckType names one probe
type CheckType string

const (
	CheckConnectivity CheckType = "connectivity"
	CheckHealth       CheckType = "health"
	CheckStatus       CheckType = "status"
)

// Probe and overall statuses
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusOffline  = "offline"
)

const defaultMaxHistory = 100

// CheckResult is the outcome of one probe
type CheckResult struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// Report is the combined outcome of one Check
type Report struct {
	Target       string                    `json:"target"`
	Overall      string                    `json:"overall"`
	ResponseTime time.Duration             `json:"responseTime"`
	Error        string                    `json:"error,omitempty"`
	Checks       map[CheckType]CheckResult `json:"checks"`
	Model        string                    `json:"model,omitempty"`
	Emotion      string                    `json:"emotion,omitempty"`
	Mode         interfaces.Mode           `json:"-"`
	HasMode      bool                      `json:"-"`
	CheckedAt    time.Time                 `json:"checkedAt"`
}

// Snapshot is one history entry
type Snapshot struct {
	Timestamp    time.Time     `json:"timestamp"`
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// Trends summarises the history over a window
type Trends struct {
	SampleCount         int           `json:"sampleCount"`
	UptimePercentage    float64       `json:"uptimePercentage"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	AvailabilityTrend   string        `json:"availabilityTrend,omitempty"` // "improving", "degrading", "stable"
}

// Monitor probes one companion service
type Monitor struct {
	client  interfaces.FallbackClient
	address string
	timeout time.Duration
	logger  *logging.Logger

	mutex      sync.RWMutex
	history    []Snapshot
	maxHistory int
}

// NewMonitor creates a monitor for the profile's host, using client for the
// HTTP probes
func NewMonitor(profile *interfaces.Profile, client interfaces.FallbackClient) (*Monitor, error) {
	address, err := dialAddress(profile)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		client:     client,
		address:    address,
		timeout:    protocol.DefaultProbeTimeout,
		logger:     logging.GetHealthLogger(),
		maxHistory: defaultMaxHistory,
	}, nil
}

// dialAddress returns host:port for the TCP probe
func dialAddress(profile *interfaces.Profile) (string, error) {
	base, err := protocol.BaseURL(profile.Host, profile.TLS)
	if err != nil {
		return "", err
	}
	port := base.Port()
	if port == "" {
		port = "80"
		if base.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(base.Hostname(), port), nil
}

// Address returns the host:port the connectivity probe dials
func (m *Monitor) Address() string {
	return m.address
}

// Check runs every probe concurrently and records the combined report
func (m *Monitor) Check(ctx context.Context) *Report {
	start := time.Now()
	report := &Report{Target: m.address, CheckedAt: start}

	var (
		connectivity, healthResult, statusResult CheckResult
		healthBody                               *interfaces.HealthStatus
		statusBody                               *interfaces.ServiceStatus
	)

	var g errgroup.Group
	g.Go(func() error {
		connectivity = m.checkConnectivity(ctx)
		return nil
	})
	g.Go(func() error {
		healthResult, healthBody = m.checkHealth(ctx)
		return nil
	})
	g.Go(func() error {
		statusResult, statusBody = m.checkStatus(ctx)
		return nil
	})
	_ = g.Wait()

	report.Checks = map[CheckType]CheckResult{
		CheckConnectivity: connectivity,
		CheckHealth:       healthResult,
		CheckStatus:       statusResult,
	}
	if healthBody != nil {
		report.Model = healthBody.Model
	}
	if statusBody != nil {
		if report.Model == "" {
			report.Model = statusBody.Model
		}
		report.Emotion = statusBody.CurrentEmotion
		report.Mode = statusBody.Mode
		report.HasMode = statusBody.HasMode
	}

	switch {
	case connectivity.Status != StatusReady:
		report.Overall = StatusOffline
		report.Error = connectivity.Error
	case healthResult.Status != StatusReady:
		report.Overall = StatusError
		report.Error = healthResult.Error
	case statusResult.Status != StatusReady:
		report.Overall = StatusDegraded
		report.Error = statusResult.Error
	default:
		report.Overall = StatusReady
	}
	report.ResponseTime = time.Since(start)

	var reportErr error
	if report.Error != "" {
		reportErr = fmt.Errorf("%s", report.Error)
	}
	m.logger.LogHealthCheck(m.address, report.Overall, report.ResponseTime, reportErr)

	m.record(Snapshot{
		Timestamp:    report.CheckedAt,
		Status:       report.Overall,
		ResponseTime: report.ResponseTime,
		Error:        report.Error,
	})
	return report
}

// Run checks every interval until ctx is done, passing each report to fn
func (m *Monitor) Run(ctx context.Context, interval time.Duration, fn func(*Report)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(m.Check(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) checkConnectivity(ctx context.Context) CheckResult {
	start := time.Now()
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.address)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:       StatusOffline,
			ResponseTime: elapsed,
			Error:        fmt.Sprintf("connection failed (%s): %v", classifyNetworkError(err), err),
		}
	}
	conn.Close()
	return CheckResult{Status: StatusReady, ResponseTime: elapsed}
}

func (m *Monitor) checkHealth(ctx context.Context) (CheckResult, *interfaces.HealthStatus) {
	if m.client == nil {
		return CheckResult{Status: StatusError, Error: "no HTTP client configured"}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	body, err := m.client.Health(probeCtx)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusError, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	if !isHealthy(body.Status) {
		return CheckResult{
			Status:       StatusDegraded,
			ResponseTime: elapsed,
			Error:        fmt.Sprintf("service reports %q", body.Status),
		}, body
	}
	return CheckResult{Status: StatusReady, ResponseTime: elapsed}, body
}

func (m *Monitor) checkStatus(ctx context.Context) (CheckResult, *interfaces.ServiceStatus) {
	if m.client == nil {
		return CheckResult{Status: StatusError, Error: "no HTTP client configured"}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	body, err := m.client.Status(probeCtx)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDegraded, ResponseTime: elapsed, Error: err.Error()}, nil
	}
	return CheckResult{Status: StatusReady, ResponseTime: elapsed}, body
}

func isHealthy(status string) bool {
	switch strings.ToLower(status) {
	case "healthy", "ok", "ready", "up":
		return true
	default:
		return false
	}
}

// History returns up to limit of the most recent snapshots, oldest first.
// A limit of zero or less returns the whole history.
func (m *Monitor) History(limit int) []Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]Snapshot, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}

// Trends summarises the snapshots taken within window
func (m *Monitor) Trends(window time.Duration) Trends {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cutoff := time.Now().Add(-window)
	var recent []Snapshot
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			recent = append(recent, s)
		}
	}

	trends := Trends{SampleCount: len(recent)}
	if len(recent) == 0 {
		return trends
	}

	var total time.Duration
	for _, s := range recent {
		total += s.ResponseTime
	}
	trends.UptimePercentage = readyPercent(recent)
	trends.AverageResponseTime = total / time.Duration(len(recent))

	if len(recent) >= 2 {
		first := readyPercent(recent[:len(recent)/2])
		second := readyPercent(recent[len(recent)/2:])
		switch {
		case second > first:
			trends.AvailabilityTrend = "improving"
		case second < first:
			trends.AvailabilityTrend = "degrading"
		default:
			trends.AvailabilityTrend = "stable"
		}
	}
	return trends
}

func readyPercent(snapshots []Snapshot) float64 {
	ready := 0
	for _, s := range snapshots {
		if s.Status == StatusReady {
			ready++
		}
	}
	return float64(ready) / float64(len(snapshots)) * 100
}

func (m *Monitor) record(s Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.history = append(m.history, s)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// classifyNetworkError names the common dial failures
func classifyNetworkError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "no such host"):
		return "dns_failure"
	case strings.Contains(msg, "network is unreachable"):
		return "network_unreachable"
	default:
		return "unknown"
	}
}
