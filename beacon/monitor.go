// Package beacon discovers a running simulator on the local network by
// listening to its UDP multicast beacon. The monitor probes in a loop,
// reports connect/disconnect transitions through a callback, and tells the
// caller whether the simulator runs on this machine.
package beacon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/devleaks/xplane-webapi/errors"
	"github.com/devleaks/xplane-webapi/metric"
	"github.com/devleaks/xplane-webapi/wire"
)

// Status represents the beacon monitor lifecycle state
type Status int

const (
	// StatusNotRunning means the monitor has not been started or was stopped
	StatusNotRunning Status = iota
	// StatusDetecting means the monitor probes but has not heard a beacon yet
	StatusDetecting
	// StatusReceiving means beacon packets are arriving
	StatusReceiving
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusNotRunning:
		return "not_running"
	case StatusDetecting:
		return "detecting"
	case StatusReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Callback is invoked on beacon transitions only: once when a simulator is
// first heard (or moves to a different host/port), once when it goes silent.
// sameHost reports whether the simulator runs on this machine.
type Callback func(connected bool, data *wire.BeaconData, sameHost bool)

// probeFunc receives one beacon packet or times out.
type probeFunc func(ctx context.Context, timeout time.Duration) (*wire.BeaconData, error)

// Monitor listens for the simulator multicast beacon.
type Monitor struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	group         string
	port          int
	receiveTO     time.Duration
	probeInterval time.Duration
	maxMisses     int

	probe      probeFunc
	localAddrs func() ([]net.Addr, error)
	callback   Callback

	mu       sync.Mutex
	status   Status
	lastData *wire.BeaconData
	misses   int

	conn         *net.UDPConn
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	started      bool
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) error {
		m.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *metric.Metrics) MonitorOption {
	return func(m *Monitor) error {
		m.metrics = metrics
		return nil
	}
}

// WithEndpoint overrides the multicast group and port
func WithEndpoint(group string, port int) MonitorOption {
	return func(m *Monitor) error {
		m.group = group
		m.port = port
		return nil
	}
}

// WithReceiveTimeout sets the timeout of a single beacon receive
func WithReceiveTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) error {
		m.receiveTO = d
		return nil
	}
}

// WithProbeInterval sets the pause between probes
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) error {
		m.probeInterval = d
		return nil
	}
}

// WithMaxMisses sets how many consecutive silent probes declare the beacon lost
func WithMaxMisses(n int) MonitorOption {
	return func(m *Monitor) error {
		m.maxMisses = n
		return nil
	}
}

// withProbe replaces the UDP receive, for tests
func withProbe(p probeFunc) MonitorOption {
	return func(m *Monitor) error {
		m.probe = p
		return nil
	}
}

// withLocalAddrs replaces interface enumeration, for tests
func withLocalAddrs(f func() ([]net.Addr, error)) MonitorOption {
	return func(m *Monitor) error {
		m.localAddrs = f
		return nil
	}
}

// NewMonitor creates a beacon monitor reporting transitions to callback.
func NewMonitor(callback Callback, opts ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		logger:        slog.Default(),
		group:         wire.BeaconGroup,
		port:          wire.BeaconPort,
		receiveTO:     3 * time.Second,
		probeInterval: 10 * time.Second,
		maxMisses:     5,
		localAddrs:    net.InterfaceAddrs,
		callback:      callback,
	}
	m.probe = m.receiveOne

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapInvalid(err, "beacon.Monitor", "NewMonitor", "apply option")
		}
	}
	return m, nil
}

// Status returns the current monitor status
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastBeacon returns the most recent beacon data, or nil before first contact.
func (m *Monitor) LastBeacon() *wire.BeaconData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastData
}

// Start opens the multicast socket and launches the probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	m.started = true
	m.status = StatusDetecting
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(runCtx)

	m.logger.Info("beacon monitor started", "group", m.group, "port", m.port)
	return nil
}

// Stop terminates the probe loop and waits for it up to timeout.
func (m *Monitor) Stop(timeout time.Duration) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		if !m.started {
			m.mu.Unlock()
			err = errors.ErrAlreadyStopped
			return
		}
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		m.closeSocket()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = errors.WrapTransient(context.DeadlineExceeded,
				"beacon.Monitor", "Stop", "wait for probe loop")
		}

		m.mu.Lock()
		m.status = StatusNotRunning
		m.started = false
		m.mu.Unlock()
		m.logger.Info("beacon monitor stopped")
	})
	return err
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		data, err := m.probe(ctx, m.receiveTO)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			m.metrics.RecordBeaconReceived()
			m.handleBeacon(data)
		case errors.IsInvalid(err):
			// Foreign or unsupported packet on the multicast group: not a
			// miss, another simulator may follow.
			m.metrics.RecordBeaconRejected("invalid")
			m.logger.Debug("beacon packet rejected", "error", err)
		default:
			m.metrics.RecordBeaconRejected("timeout")
			m.handleMiss()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.probeInterval):
		}
	}
}

// handleBeacon records a heard beacon and fires the callback on first
// contact or when the simulator moved.
func (m *Monitor) handleBeacon(data *wire.BeaconData) {
	m.mu.Lock()
	m.misses = 0
	prev := m.lastData
	wasReceiving := m.status == StatusReceiving
	m.status = StatusReceiving
	m.lastData = data
	m.mu.Unlock()

	if wasReceiving && prev != nil && prev.Host == data.Host && prev.Port == data.Port {
		return
	}

	sameHost := m.isLocalHost(data.Host)
	m.logger.Info("beacon detected", "beacon", data.String(), "same_host", sameHost)
	if m.callback != nil {
		m.callback(true, data, sameHost)
	}
}

// handleMiss counts a silent probe and declares the beacon lost after
// maxMisses consecutive misses.
func (m *Monitor) handleMiss() {
	m.mu.Lock()
	if m.status != StatusReceiving {
		m.mu.Unlock()
		return
	}
	m.misses++
	if m.misses < m.maxMisses {
		remaining := m.maxMisses - m.misses
		m.mu.Unlock()
		m.logger.Warn("beacon silent", "misses_left", remaining)
		return
	}
	m.status = StatusDetecting
	m.misses = 0
	m.lastData = nil
	m.mu.Unlock()

	m.logger.Warn("beacon lost")
	if m.callback != nil {
		m.callback(false, nil, false)
	}
}

// isLocalHost reports whether host is an address of this machine.
func (m *Monitor) isLocalHost(host string) bool {
	target := net.ParseIP(host)
	if target == nil {
		return false
	}
	if target.IsLoopback() {
		return true
	}
	addrs, err := m.localAddrs()
	if err != nil {
		m.logger.Warn("cannot enumerate interfaces", "error", err)
		return false
	}
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip != nil && ip.Equal(target) {
			return true
		}
	}
	return false
}

// receiveOne reads a single beacon packet from the multicast group. The
// socket is opened lazily and kept across probes.
func (m *Monitor) receiveOne(ctx context.Context, timeout time.Duration) (*wire.BeaconData, error) {
	conn, err := m.socket()
	if err != nil {
		return nil, errors.WrapFatal(err, "beacon.Monitor", "receiveOne", "open multicast socket")
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 1024)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.ErrBeaconTimeout
		}
		return nil, errors.WrapTransient(err, "beacon.Monitor", "receiveOne", "read packet")
	}

	return wire.DecodeBeacon(buf[:n], sender.IP.String())
}

func (m *Monitor) socket() (*net.UDPConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	addr := &net.UDPAddr{IP: net.ParseIP(m.group), Port: m.port}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

func (m *Monitor) closeSocket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
