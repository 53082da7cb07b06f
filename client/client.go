// Package client is the connection and subscription runtime for the X-Plane
// Web API. It discovers a simulator through the UDP beacon, probes the REST
// API, opens the WebSocket, keeps the metadata tables fresh, and routes push
// updates to Dataref and Command handles held by the application.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devleaks/xplane-webapi/beacon"
	"github.com/devleaks/xplane-webapi/config"
	"github.com/devleaks/xplane-webapi/errors"
	"github.com/devleaks/xplane-webapi/meta"
	"github.com/devleaks/xplane-webapi/metric"
	"github.com/devleaks/xplane-webapi/rest"
	"github.com/devleaks/xplane-webapi/wire"
)

// Simulator versions this client is tested against. Outside the range the
// client keeps operating and logs a warning.
const (
	simVersionMin = 121400 // 12.1.4
	simVersionMax = 121499
)

// uptimeDataref reports how long the simulator has been running, in seconds
// of simulator time. It drives the metadata reload staleness policy.
const uptimeDataref = "sim/time/total_running_time_sec"

// probeWarnEvery rate-limits the unreachable-simulator warning: the probe
// retries forever, the log should not scroll on every attempt.
const probeWarnEvery = 10

// refKey addresses one monitorable value: a path plus an array element, or
// WholeValue for the complete value.
type refKey struct {
	path  string
	index int
}

// Client is the runtime facade the application talks to.
type Client struct {
	cfg     config.Settings
	logger  *slog.Logger
	metrics *metric.Metrics

	rest       *rest.Client
	dispatcher *Dispatcher
	table      *SubscriptionTable
	drefMeta   *meta.Cache
	cmdMeta    *meta.Cache

	dial      dialFunc
	discovery bool
	beaconMon *beacon.Monitor

	mu            sync.Mutex
	state         ConnectionState
	session       *wsSession
	failures      int
	probeFailures int
	suspended     bool
	shouldConnect bool
	monitoredRefs map[refKey][]*Dataref
	monitoredCmds map[string][]*Command
	graceTimer    *time.Timer

	wake         chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
	shutdownOnce sync.Once
}

// Option configures a Client
type Option func(*Client) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics wires a metrics registry into the client
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Client) error {
		c.metrics = registry.CoreMetrics()
		return nil
	}
}

// WithDiscovery enables beacon discovery. The client then waits for a
// beacon instead of connecting to the configured host directly.
func WithDiscovery() Option {
	return func(c *Client) error {
		c.discovery = true
		return nil
	}
}

// withDial replaces the WebSocket dialer, for tests
func withDial(d dialFunc) Option {
	return func(c *Client) error {
		c.dial = d
		return nil
	}
}

// withRESTClient replaces the REST client, for tests
func withRESTClient(rc *rest.Client) Option {
	return func(c *Client) error {
		c.rest = rc
		return nil
	}
}

// New creates a client from validated settings.
func New(cfg config.Settings, opts ...Option) (*Client, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, errs[0].Error()),
			"client.Client", "New", "validate settings")
	}

	c := &Client{
		cfg:           cfg,
		logger:        slog.Default(),
		dial:          gorillaDial,
		table:         NewSubscriptionTable(),
		state:         StateNoBeacon,
		monitoredRefs: make(map[refKey][]*Dataref),
		monitoredCmds: make(map[string][]*Command),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "client.Client", "New", "apply option")
		}
	}

	c.dispatcher = NewDispatcher(c.logger, c.metrics)
	c.drefMeta = meta.NewCache("datarefs", c.logger)
	c.cmdMeta = meta.NewCache("commands", c.logger)
	c.drefMeta.SetMinReloadInterval(cfg.MetaMinReload)
	c.cmdMeta.SetMinReloadInterval(cfg.MetaMinReload)

	if c.rest == nil {
		rc, err := rest.NewClient(cfg.Host, cfg.Port,
			rest.WithLogger(c.logger),
			rest.WithMetrics(c.metrics),
			rest.WithAPIRoot(cfg.APIRoot),
			rest.WithTimeout(cfg.RESTTimeout.Std()))
		if err != nil {
			return nil, err
		}
		c.rest = rc
	}
	return c, nil
}

// Start launches the background loops. With discovery enabled the client
// waits for a beacon; otherwise it connects to the configured endpoint
// immediately.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.shouldConnect = !c.discovery
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.discovery {
		mon, err := beacon.NewMonitor(c.onBeacon,
			beacon.WithLogger(c.logger),
			beacon.WithMetrics(c.metrics),
			beacon.WithReceiveTimeout(c.cfg.BeaconTimeout.Std()),
			beacon.WithProbeInterval(c.cfg.BeaconProbeInterval.Std()))
		if err != nil {
			return err
		}
		c.beaconMon = mon
		if err := mon.Start(runCtx); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.connectionLoop(runCtx)
	c.kick()

	c.logger.Info("client started", "host", c.cfg.Host, "port", c.cfg.Port, "discovery", c.discovery)
	return nil
}

// Stop shuts the loops down, closes the sockets, and invalidates the
// metadata caches so no identifier from this connection epoch survives.
func (c *Client) Stop(timeout time.Duration) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			err = errors.ErrAlreadyStopped
			return
		}
		c.mu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		if c.beaconMon != nil {
			if berr := c.beaconMon.Stop(timeout); berr != nil {
				c.logger.Warn("beacon monitor stop", "error", berr)
			}
		}
		c.teardownSession(timeout)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("connection loop did not stop in time, possible leak")
		}

		c.drefMeta.Invalidate()
		c.cmdMeta.Invalidate()
		c.table.Reset()
		c.dispatcher.Reset()
		c.setState(StateNoBeacon)

		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		c.logger.Info("client stopped")
	})
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the WebSocket is open.
func (c *Client) Connected() bool {
	return c.State().Connected()
}

// Dataref creates a handle on a simulator variable. "path[4]" addresses a
// single array element. autoSave issues the write immediately on Set.
func (c *Client) Dataref(path string, autoSave bool) *Dataref {
	name, index := parseDatarefPath(path)
	return &Dataref{client: c, path: name, index: index, autoSave: autoSave}
}

// Command creates a handle on a simulator command. duration is the default
// hold time of Execute, 0 for a single press.
func (c *Client) Command(path string, duration float64) *Command {
	return &Command{client: c, path: path, duration: duration}
}

// OnDatarefUpdate registers a callback for pushed dataref values.
func (c *Client) OnDatarefUpdate(cb DatarefUpdateFunc) CallbackID {
	return c.dispatcher.OnDatarefUpdate(cb)
}

// OnCommandActive registers a callback for command activity changes.
func (c *Client) OnCommandActive(cb CommandActiveFunc) CallbackID {
	return c.dispatcher.OnCommandActive(cb)
}

// OnConnection registers a callback for connection transitions. It fires on
// the transition into StateListening (open) and into StateWSDisconnected
// or StateNoBeacon (close), never on intermediate probe states.
func (c *Client) OnConnection(cb ConnectionFunc) CallbackID {
	return c.dispatcher.OnConnection(cb)
}

// OnFeedback registers a callback for request acknowledgements.
func (c *Client) OnFeedback(cb FeedbackFunc) CallbackID {
	return c.dispatcher.OnFeedback(cb)
}

// RemoveCallback unregisters a callback.
func (c *Client) RemoveCallback(id CallbackID) {
	c.dispatcher.Remove(id)
}

// setState records a state transition.
func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("connection state", "from", prev.String(), "to", s.String())
		c.metrics.RecordConnectionState(int(s))
	}
}

// kick wakes the connection loop without blocking.
func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// onBeacon handles beacon transitions. A heard beacon retargets the REST
// client and restarts connection attempts; a lost beacon arms a grace timer
// before the connection is torn down, the simulator may just be loading.
func (c *Client) onBeacon(connected bool, data *wire.BeaconData, sameHost bool) {
	if connected {
		c.mu.Lock()
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		c.shouldConnect = true
		c.failures = 0
		c.probeFailures = 0
		c.suspended = false
		alreadyUp := c.state.Connected()
		c.mu.Unlock()

		c.rest.SetEndpoint(data.Host, data.Port)
		if !alreadyUp {
			c.setState(StateReceivingBeacon)
		}
		c.logger.Info("simulator announced", "beacon", data.String(), "same_host", sameHost)
		c.kick()
		return
	}

	c.logger.Warn("beacon lost, grace period started", "grace", c.cfg.BeaconGrace.Std().String())
	c.mu.Lock()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(c.cfg.BeaconGrace.Std(), c.onBeaconGraceExpired)
	c.mu.Unlock()
}

// onBeaconGraceExpired tears the connection down after the beacon stayed
// silent through the whole grace period.
func (c *Client) onBeaconGraceExpired() {
	c.mu.Lock()
	c.graceTimer = nil
	c.shouldConnect = false
	c.mu.Unlock()

	c.logger.Warn("beacon grace period expired, disconnecting")
	c.teardownSession(time.Second)
	c.setState(StateNoBeacon)
	c.dispatcher.DispatchConnection(StateNoBeacon)
}

// connectionLoop is the reconnect state machine. It wakes on a timer or an
// explicit kick and drives one connection attempt per wakeup while
// disconnected.
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-time.After(c.cfg.ReconnectInterval.Std()):
		}
		if ctx.Err() != nil {
			return
		}
		c.tick(ctx)
	}
}

// tick runs one iteration of the connection state machine.
func (c *Client) tick(ctx context.Context) {
	c.mu.Lock()
	session := c.session
	should := c.shouldConnect
	suspended := c.suspended
	c.mu.Unlock()

	if session != nil {
		select {
		case err := <-session.failure:
			c.logger.Warn("connection lost", "error", err)
			c.metrics.RecordReconnect()
			c.teardownSession(time.Second)
			c.setState(StateWSDisconnected)
			c.dispatcher.DispatchConnection(StateWSDisconnected)
			c.kick()
		default:
		}
		return
	}

	if !should {
		return
	}
	if suspended {
		// Suspension pauses the expensive connect sequence after repeated
		// WebSocket failures. A reachable REST API is the resume signal in
		// direct-connect mode; beacon discovery resumes through onBeacon.
		if err := c.rest.Reachable(ctx); err == nil {
			c.mu.Lock()
			c.failures = 0
			c.suspended = false
			c.mu.Unlock()
			c.logger.Info("simulator reachable again, resuming connect attempts")
			c.kick()
		}
		return
	}
	c.attemptConnect(ctx)
}

// attemptConnect runs the strictly ordered connect sequence: REST probe,
// version selection, WebSocket open, metadata reload, resubscription. A
// failed probe is plain transient and retried forever with rate-limited
// warnings; failures past the probe count toward the consecutive-failure
// bound, and reaching the bound suspends attempts until a beacon or
// reachability signal resets it.
func (c *Client) attemptConnect(ctx context.Context) {
	fail := func(state ConnectionState, what string, err error) {
		c.setState(state)
		c.metrics.RecordConnectFailure()
		c.metrics.RecordConnectAttempt("failure")
		c.mu.Lock()
		c.failures++
		n := c.failures
		if n >= c.cfg.MaxConnectFailures {
			c.suspended = true
		}
		suspended := c.suspended
		c.mu.Unlock()
		c.logger.Warn("connect attempt failed", "step", what, "error", err, "consecutive", n)
		if suspended {
			c.logger.Warn("connect attempts suspended until the simulator is heard again",
				"failures", n)
		}
	}

	if err := c.rest.Reachable(ctx); err != nil {
		c.setState(StateRESTUnreachable)
		c.metrics.RecordConnectAttempt("failure")
		c.mu.Lock()
		c.probeFailures++
		n := c.probeFailures
		c.mu.Unlock()
		if n == 1 || n%probeWarnEvery == 0 {
			c.logger.Warn("simulator not reachable", "error", err, "consecutive", n)
		}
		return
	}
	c.mu.Lock()
	c.probeFailures = 0
	c.mu.Unlock()
	c.setState(StateRESTReachable)

	version, err := c.rest.SelectVersion(ctx, c.cfg.APIVersion)
	if err != nil {
		fail(StateRESTUnreachable, "version selection", err)
		return
	}

	host, port := c.rest.Endpoint()
	conn, err := c.dial(ctx, wsURL(host, port, c.cfg.APIRoot, version))
	if err != nil {
		fail(StateWSDisconnected, "websocket dial", err)
		return
	}
	c.setState(StateWSConnected)

	// Metadata must be fresh before any subscription referencing the new
	// identifiers goes out.
	if err := c.reloadMeta(ctx, version, true); err != nil {
		_ = conn.Close()
		fail(StateWSDisconnected, "metadata reload", err)
		return
	}
	c.checkSimVersion()

	session := newWSSession(c, conn)
	c.mu.Lock()
	c.session = session
	c.failures = 0
	c.mu.Unlock()
	session.start()

	c.resubscribeAll(session)
	c.setState(StateListening)
	c.metrics.RecordConnectAttempt("success")
	c.dispatcher.DispatchConnection(StateListening)
	c.logger.Info("connected", "host", host, "port", port, "api", version)
}

// teardownSession closes the current WebSocket session, if any.
func (c *Client) teardownSession(timeout time.Duration) {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session != nil {
		session.close(timeout)
		c.dispatcher.Reset()
	}
}

// checkSimVersion warns when the simulator version is outside the tested
// range. Never fatal, the protocol is compatible enough to keep going. The
// version comes from the beacon when discovery runs, else from the
// capabilities document.
func (c *Client) checkSimVersion() {
	var version int
	if c.beaconMon != nil {
		if data := c.beaconMon.LastBeacon(); data != nil {
			version = data.SimVersion
		}
	}
	if version == 0 {
		version = parseSimVersion(c.rest.SimVersion())
	}
	if version == 0 {
		return
	}
	if version < simVersionMin || version > simVersionMax {
		c.logger.Warn("simulator version outside tested range",
			"version", version, "min", simVersionMin, "max", simVersionMax)
	}
}

// parseSimVersion converts a dotted simulator version such as "12.1.4" into
// the numeric form the beacon reports (121400). Returns 0 when the string
// does not parse.
func parseSimVersion(s string) int {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0
	}
	n := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		n[i] = v
	}
	return n[0]*10000 + n[1]*1000 + n[2]*100
}

// simUptime fetches the simulator's running time through the REST API.
// Returns 0 when unavailable; the caches then treat the reload as due.
func (c *Client) simUptime(ctx context.Context) float64 {
	m, err := c.rest.FetchMetaByName(ctx, "datarefs", uptimeDataref)
	if err != nil {
		c.logger.Warn("cannot resolve uptime dataref", "error", err)
		return 0
	}
	raw, err := c.rest.DatarefValue(ctx, m.ID)
	if err != nil {
		c.logger.Warn("cannot fetch simulator uptime", "error", err)
		return 0
	}
	uptime, err := wire.DecodeScalar(raw)
	if err != nil {
		c.logger.Warn("cannot decode simulator uptime", "error", err)
		return 0
	}
	return uptime
}

// reloadMeta refreshes the metadata tables, honoring the staleness policy
// measured in simulator uptime. Commands are only listed by API v2 and
// later.
func (c *Client) reloadMeta(ctx context.Context, version string, force bool) error {
	uptime := c.simUptime(ctx)
	if !c.drefMeta.ShouldReload(uptime, force) {
		return nil
	}

	datarefs, err := c.rest.FetchMeta(ctx, "datarefs")
	if err != nil {
		return err
	}
	c.drefMeta.Replace(datarefs, uptime)
	c.metrics.RecordMetaReload("datarefs")

	if version != "v1" {
		commands, err := c.rest.FetchMeta(ctx, "commands")
		if err != nil {
			return err
		}
		c.cmdMeta.Replace(commands, uptime)
		c.metrics.RecordMetaReload("commands")
	}

	c.logger.Info("metadata reloaded",
		"datarefs", c.drefMeta.Count(), "commands", c.cmdMeta.Count(),
		"sim_uptime", time.Duration(uptime*float64(time.Second)).String())
	return nil
}

// ReloadMeta forces a metadata refresh, for use after an aircraft change.
func (c *Client) ReloadMeta(ctx context.Context) error {
	version := c.rest.Version()
	if version == "" {
		return errors.ErrNotConnected
	}
	return c.reloadMeta(ctx, version, true)
}

// resubscribeAll replays all monitored paths against the fresh identifier
// tables of a new connection. Identifiers from the previous epoch are
// discarded wholesale.
func (c *Client) resubscribeAll(session *wsSession) {
	c.table.Reset()

	c.mu.Lock()
	refs := make(map[refKey]int, len(c.monitoredRefs))
	for key, list := range c.monitoredRefs {
		refs[key] = len(list)
	}
	cmds := make(map[string]int, len(c.monitoredCmds))
	for path, list := range c.monitoredCmds {
		cmds[path] = len(list)
	}
	c.mu.Unlock()

	specByID := make(map[int64]*wire.DatarefSpec)
	var order []int64
	for key, count := range refs {
		m, ok := c.drefMeta.ByName(key.path)
		if !ok {
			c.logger.Warn("monitored dataref vanished after reload", "path", key.path)
			continue
		}
		for i := 0; i < count; i++ {
			change := c.table.SubscribeDataref(m.ID, key.index)
			if change.action != actionSubscribe {
				continue
			}
			if spec, seen := specByID[m.ID]; seen {
				spec.Index = change.indices
			} else {
				specByID[m.ID] = &wire.DatarefSpec{ID: m.ID, Index: change.indices}
				order = append(order, m.ID)
			}
		}
	}
	if len(order) > 0 {
		specs := make([]wire.DatarefSpec, 0, len(order))
		for _, id := range order {
			specs = append(specs, *specByID[id])
		}
		if err := c.sendDatarefRequest(session, wire.TypeDatarefSubscribe, specs); err != nil {
			c.logger.Warn("resubscribe failed", "error", err)
		}
	}

	var cmdSpecs []wire.CommandSpec
	for path, count := range cmds {
		m, ok := c.cmdMeta.ByName(path)
		if !ok {
			c.logger.Warn("monitored command vanished after reload", "path", path)
			continue
		}
		for i := 0; i < count; i++ {
			if change := c.table.SubscribeCommand(m.ID); change.action == actionSubscribe {
				cmdSpecs = append(cmdSpecs, wire.CommandSpec{ID: m.ID})
			}
		}
	}
	if len(cmdSpecs) > 0 {
		if err := c.sendCommandRequest(session, wire.TypeCommandSubscribe, cmdSpecs); err != nil {
			c.logger.Warn("command resubscribe failed", "error", err)
		}
	}
	c.recordSubscriptionGauges()
}

func (c *Client) recordSubscriptionGauges() {
	datarefs, commands := c.table.Counts()
	c.metrics.RecordMonitoredDatarefs(datarefs)
	c.metrics.RecordMonitoredCommands(commands)
}

// currentSession returns the open session or ErrNotConnected.
func (c *Client) currentSession() (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, errors.ErrNotConnected
	}
	return c.session, nil
}

// datarefMeta resolves metadata for a path: from the cache when loaded,
// else through the per-name REST filter.
func (c *Client) datarefMeta(ctx context.Context, path string) (meta.Meta, error) {
	if m, ok := c.drefMeta.ByName(path); ok {
		return m, nil
	}
	return c.rest.FetchMetaByName(ctx, "datarefs", path)
}

func (c *Client) commandMeta(ctx context.Context, path string) (meta.Meta, error) {
	if m, ok := c.cmdMeta.ByName(path); ok {
		return m, nil
	}
	return c.rest.FetchMetaByName(ctx, "commands", path)
}

// Monitor subscribes datarefs to push updates in one bulk request. Only
// 0->1 reference transitions produce wire traffic: handles sharing a value
// share the subscription, and array elements of the same dataref are
// coalesced into a single {id, indices} entry.
func (c *Client) Monitor(refs ...*Dataref) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}

	type appliedSub struct {
		id    int64
		index int
	}
	var applied []appliedSub
	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			_, _ = c.table.UnsubscribeDataref(applied[i].id, applied[i].index)
		}
	}

	specByID := make(map[int64]*wire.DatarefSpec)
	var order []int64

	for _, d := range refs {
		m, ok := c.drefMeta.ByName(d.path)
		if !ok {
			rollback()
			return fmt.Errorf("%w: %s", errors.ErrUnknownPath, d.path)
		}
		if d.index != WholeValue && !m.IsArray() {
			rollback()
			return errors.WrapInvalid(
				fmt.Errorf("%s is not an array, cannot monitor element %d", d.path, d.index),
				"client.Client", "Monitor", "check value shape")
		}

		change := c.table.SubscribeDataref(m.ID, d.index)
		applied = append(applied, appliedSub{id: m.ID, index: d.index})
		if change.action != actionSubscribe {
			continue
		}
		if spec, seen := specByID[m.ID]; seen {
			spec.Index = change.indices
		} else {
			specByID[m.ID] = &wire.DatarefSpec{ID: m.ID, Index: change.indices}
			order = append(order, m.ID)
		}
	}

	if len(order) > 0 {
		specs := make([]wire.DatarefSpec, 0, len(order))
		for _, id := range order {
			specs = append(specs, *specByID[id])
		}
		if err := c.sendDatarefRequest(session, wire.TypeDatarefSubscribe, specs); err != nil {
			rollback()
			return err
		}
	}

	c.mu.Lock()
	for _, d := range refs {
		key := refKey{path: d.path, index: d.index}
		c.monitoredRefs[key] = append(c.monitoredRefs[key], d)
	}
	c.mu.Unlock()
	c.recordSubscriptionGauges()
	return nil
}

// Unmonitor releases dataref subscriptions in one bulk request. Only the
// last subscriber of a value produces wire traffic. The whole batch is
// validated before any registry state changes: on ErrNotMonitored nothing
// has been released.
func (c *Client) Unmonitor(refs ...*Dataref) error {
	c.mu.Lock()
	need := make(map[*Dataref]int, len(refs))
	for _, d := range refs {
		need[d]++
	}
	for d, n := range need {
		have := 0
		for _, ref := range c.monitoredRefs[refKey{path: d.path, index: d.index}] {
			if ref == d {
				have++
			}
		}
		if have < n {
			c.mu.Unlock()
			return errors.ErrNotMonitored
		}
	}
	for _, d := range refs {
		key := refKey{path: d.path, index: d.index}
		list := c.monitoredRefs[key]
		for i, ref := range list {
			if ref == d {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.monitoredRefs, key)
		} else {
			c.monitoredRefs[key] = list
		}
	}
	c.mu.Unlock()

	var specs []wire.DatarefSpec
	for _, d := range refs {
		m, metaOK := c.drefMeta.ByName(d.path)
		if !metaOK {
			// Identifiers died with the connection epoch; the registry
			// entry is gone, nothing to say on the wire.
			continue
		}
		change, err := c.table.UnsubscribeDataref(m.ID, d.index)
		if err != nil {
			// Registry and table disagree; skip this ref but still release
			// the others on the wire.
			c.logger.Warn("subscription table out of step", "path", d.path, "error", err)
			continue
		}
		if change.action == actionUnsubscribe {
			specs = append(specs, wire.DatarefSpec{ID: m.ID, Index: change.indices})
		}
	}

	c.recordSubscriptionGauges()
	if len(specs) == 0 {
		return nil
	}
	session, err := c.currentSession()
	if err != nil {
		return nil
	}
	return c.sendDatarefRequest(session, wire.TypeDatarefUnsubscribe, specs)
}

// MonitorCommand subscribes to a command's activity reporting.
func (c *Client) MonitorCommand(cmd *Command) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	m, ok := c.cmdMeta.ByName(cmd.path)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownPath, cmd.path)
	}

	change := c.table.SubscribeCommand(m.ID)
	if change.action == actionSubscribe {
		if err := c.sendCommandRequest(session, wire.TypeCommandSubscribe,
			[]wire.CommandSpec{{ID: m.ID}}); err != nil {
			_, _ = c.table.UnsubscribeCommand(m.ID)
			return err
		}
	}

	c.mu.Lock()
	c.monitoredCmds[cmd.path] = append(c.monitoredCmds[cmd.path], cmd)
	c.mu.Unlock()
	c.recordSubscriptionGauges()
	return nil
}

// UnmonitorCommand releases a command activity subscription.
func (c *Client) UnmonitorCommand(cmd *Command) error {
	c.mu.Lock()
	list := c.monitoredCmds[cmd.path]
	found := -1
	for i, ref := range list {
		if ref == cmd {
			found = i
			break
		}
	}
	if found < 0 {
		c.mu.Unlock()
		return errors.ErrNotMonitored
	}
	list = append(list[:found], list[found+1:]...)
	if len(list) == 0 {
		delete(c.monitoredCmds, cmd.path)
	} else {
		c.monitoredCmds[cmd.path] = list
	}
	c.mu.Unlock()

	m, metaOK := c.cmdMeta.ByName(cmd.path)
	if !metaOK {
		return nil
	}
	change, err := c.table.UnsubscribeCommand(m.ID)
	if err != nil {
		return err
	}
	c.recordSubscriptionGauges()
	if change.action != actionUnsubscribe {
		return nil
	}
	session, err := c.currentSession()
	if err != nil {
		return nil
	}
	return c.sendCommandRequest(session, wire.TypeCommandUnsubscribe,
		[]wire.CommandSpec{{ID: m.ID}})
}

// sendDatarefRequest issues one bulk dataref subscribe/unsubscribe frame.
func (c *Client) sendDatarefRequest(session *wsSession, frameType string, specs []wire.DatarefSpec) error {
	reqID := c.dispatcher.NextRequest(frameType)
	return session.send(&wire.Request{
		Type:   frameType,
		ReqID:  reqID,
		Params: wire.DatarefParams{Datarefs: specs},
	})
}

// sendCommandRequest issues one bulk command subscribe/unsubscribe frame.
func (c *Client) sendCommandRequest(session *wsSession, frameType string, specs []wire.CommandSpec) error {
	reqID := c.dispatcher.NextRequest(frameType)
	return session.send(&wire.Request{
		Type:   frameType,
		ReqID:  reqID,
		Params: wire.CommandParams{Commands: specs},
	})
}

// datarefValue fetches a dataref value through the REST API, decoded
// according to the metadata value kind. For an array element handle the
// whole array is fetched and the element selected.
func (c *Client) datarefValue(ctx context.Context, d *Dataref) (any, error) {
	m, err := c.datarefMeta(ctx, d.path)
	if err != nil {
		return nil, err
	}
	raw, err := c.rest.DatarefValue(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	switch m.Kind() {
	case meta.KindBytes:
		return wire.DecodeBytes(raw)
	case meta.KindArray:
		values, err := wire.DecodeArray(raw)
		if err != nil {
			return nil, err
		}
		if d.index == WholeValue {
			return values, nil
		}
		if d.index < 0 || d.index >= len(values) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("index %d out of range for %s (len %d)", d.index, d.path, len(values)),
				"client.Client", "datarefValue", "select element")
		}
		return values[d.index], nil
	default:
		return wire.DecodeScalar(raw)
	}
}

// writeDataref writes a dataref's pending value, over the WebSocket when
// connected and not configured for REST. Without a pending value scalars
// and bytes fall back to a zero default; arrays have no sensible default.
func (c *Client) writeDataref(ctx context.Context, d *Dataref) error {
	m, err := c.datarefMeta(ctx, d.path)
	if err != nil {
		return err
	}
	if !m.IsWritable {
		return fmt.Errorf("%w: %s", errors.ErrNotWritable, d.path)
	}

	value, hasValue := d.pendingValue()
	if !hasValue {
		switch {
		case m.ValueType == meta.TypeData:
			value = ""
		case m.IsArray() && d.index == WholeValue:
			return fmt.Errorf("%w: %s", errors.ErrNoValue, d.path)
		case m.ValueType == meta.TypeInt:
			value = 0
		default:
			value = 0.0
		}
		c.logger.Debug("no pending value, writing default", "path", d.path, "value", value)
	}
	if m.ValueType == meta.TypeData {
		if s, ok := value.(string); ok {
			value = wire.EncodeBytes(s)
		}
	}

	var index *int
	if d.index != WholeValue && m.IsArray() {
		idx := d.index
		index = &idx
	}

	if session, serr := c.currentSession(); serr == nil && !c.cfg.UseREST {
		reqID := c.dispatcher.NextRequest(wire.TypeDatarefSet)
		return session.send(&wire.Request{
			Type:  wire.TypeDatarefSet,
			ReqID: reqID,
			Params: wire.SetValueParams{
				Datarefs: []wire.SetValueSpec{{ID: m.ID, Value: value, Index: index}},
			},
		})
	}
	return c.rest.WriteDataref(ctx, m.ID, value, index)
}

// executeCommand triggers a command over the WebSocket when connected and
// not configured for REST, else through the REST activate endpoint.
func (c *Client) executeCommand(ctx context.Context, cmd *Command, duration float64) error {
	m, err := c.commandMeta(ctx, cmd.path)
	if err != nil {
		return err
	}

	if session, serr := c.currentSession(); serr == nil && !c.cfg.UseREST {
		reqID := c.dispatcher.NextRequest(wire.TypeCommandSet)
		spec := wire.CommandActiveSpec{ID: m.ID, IsActive: true}
		if duration > 0 {
			spec.Duration = &duration
		}
		return session.send(&wire.Request{
			Type:   wire.TypeCommandSet,
			ReqID:  reqID,
			Params: wire.CommandActiveParams{Commands: []wire.CommandActiveSpec{spec}},
		})
	}
	return c.rest.ActivateCommand(ctx, m.ID, duration)
}

// handleDatarefValue routes one pushed dataref value. key is the decimal
// identifier from the update frame.
func (c *Client) handleDatarefValue(key string, raw json.RawMessage) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		c.logger.Warn("malformed identifier in update", "key", key)
		c.metrics.RecordUpdateDropped("bad_identifier")
		return
	}
	m, ok := c.drefMeta.ByID(id)
	if !ok {
		// Stale identifier from before an aircraft change, expected.
		c.logger.Warn("update for unknown dataref", "equiv", c.drefMeta.Equiv(id))
		c.metrics.RecordUpdateDropped("unknown_identifier")
		return
	}

	switch m.Kind() {
	case meta.KindBytes:
		value, err := wire.DecodeBytes(raw)
		if err != nil {
			c.logger.Warn("undecodable bytes value", "path", m.Name, "error", err)
			c.metrics.RecordUpdateDropped("undecodable")
			return
		}
		c.deliverDataref(m.Name, WholeValue, value)

	case meta.KindArray:
		values, err := wire.DecodeArray(raw)
		if err != nil {
			c.logger.Warn("undecodable array value", "path", m.Name, "error", err)
			c.metrics.RecordUpdateDropped("undecodable")
			return
		}
		indices, whole, ok := c.table.Reconcile(id, len(values))
		if !ok {
			// No retained index generation matches: a resubscription race
			// we cannot resolve. Dropping loses one sample; pairing values
			// with wrong indices would corrupt state.
			c.logger.Warn("array length matches no index generation, update dropped",
				"equiv", c.drefMeta.Equiv(id), "len", len(values))
			c.metrics.RecordUpdateDropped("length_mismatch")
			return
		}
		if whole {
			c.deliverDataref(m.Name, WholeValue, values)
			return
		}
		for i, idx := range indices {
			c.deliverDataref(m.Name, idx, values[i])
		}

	default:
		value, err := wire.DecodeScalar(raw)
		if err != nil {
			c.logger.Warn("undecodable scalar value", "path", m.Name, "error", err)
			c.metrics.RecordUpdateDropped("undecodable")
			return
		}
		c.deliverDataref(m.Name, WholeValue, value)
	}
}

// deliverDataref stores a value on the matching handles and fans it out to
// the update callbacks, in wire arrival order.
func (c *Client) deliverDataref(path string, index int, value any) {
	c.mu.Lock()
	refs := append([]*Dataref(nil), c.monitoredRefs[refKey{path: path, index: index}]...)
	c.mu.Unlock()
	for _, d := range refs {
		d.setReceived(value)
	}
	c.dispatcher.DispatchDataref(path, index, value)
}

// handleCommandActive routes one pushed command activity change.
func (c *Client) handleCommandActive(key string, raw json.RawMessage) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		c.logger.Warn("malformed identifier in update", "key", key)
		c.metrics.RecordUpdateDropped("bad_identifier")
		return
	}
	m, ok := c.cmdMeta.ByID(id)
	if !ok {
		c.logger.Warn("update for unknown command", "equiv", c.cmdMeta.Equiv(id))
		c.metrics.RecordUpdateDropped("unknown_identifier")
		return
	}
	active, err := wire.DecodeBool(raw)
	if err != nil {
		c.logger.Warn("undecodable command activity", "path", m.Name, "error", err)
		c.metrics.RecordUpdateDropped("undecodable")
		return
	}
	c.dispatcher.DispatchCommand(m.Name, active)
}
