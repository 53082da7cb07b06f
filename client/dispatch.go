package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devleaks/xplane-webapi/metric"
)

// DatarefUpdateFunc receives a dataref value change. index is WholeValue
// for scalar, bytes and whole-array datarefs.
type DatarefUpdateFunc func(path string, index int, value any)

// CommandActiveFunc receives a command activity change.
type CommandActiveFunc func(path string, active bool)

// ConnectionFunc receives connection open/close transitions.
type ConnectionFunc func(state ConnectionState)

// FeedbackFunc receives the simulator's acknowledgement of one request.
// code and message are empty on success.
type FeedbackFunc func(reqID int64, success bool, code, message string)

// CallbackID identifies one registered callback for removal.
type CallbackID string

// pendingRequest remembers what an outbound request was, for diagnostics
// when its result arrives.
type pendingRequest struct {
	frameType string
	sentAt    time.Time
}

// Dispatcher correlates outbound request identifiers with inbound result
// frames and fans events out to registered callbacks. Callbacks run on the
// receive loop; a panicking callback is recovered and logged, never allowed
// to kill the loop.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	reqID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]pendingRequest
	dataref  map[CallbackID]DatarefUpdateFunc
	command  map[CallbackID]CommandActiveFunc
	connect  map[CallbackID]ConnectionFunc
	feedback map[CallbackID]FeedbackFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger, metrics *metric.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[int64]pendingRequest),
		dataref:  make(map[CallbackID]DatarefUpdateFunc),
		command:  make(map[CallbackID]CommandActiveFunc),
		connect:  make(map[CallbackID]ConnectionFunc),
		feedback: make(map[CallbackID]FeedbackFunc),
	}
}

// NextRequest allocates a request identifier and records the outbound frame
// type for correlation.
func (d *Dispatcher) NextRequest(frameType string) int64 {
	id := d.reqID.Add(1)
	d.mu.Lock()
	d.pending[id] = pendingRequest{frameType: frameType, sentAt: time.Now()}
	d.mu.Unlock()
	return id
}

// PendingCount returns the number of unacknowledged requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ResolveResult matches a result frame against its pending request and
// notifies the feedback callbacks. Unknown request identifiers are logged
// and dropped, a late result after reconnect is expected.
func (d *Dispatcher) ResolveResult(reqID int64, success bool, code, message string) {
	d.mu.Lock()
	req, known := d.pending[reqID]
	delete(d.pending, reqID)
	cbs := make([]FeedbackFunc, 0, len(d.feedback))
	for _, cb := range d.feedback {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()

	if !known {
		d.logger.Warn("result for unknown request", "req_id", reqID, "success", success)
		return
	}
	if !success {
		d.logger.Warn("request rejected", "req_id", reqID,
			"type", req.frameType, "code", code, "message", message)
		d.metrics.RecordError("dispatcher", "request_rejected")
	}
	for _, cb := range cbs {
		d.invoke(func() { cb(reqID, success, code, message) })
	}
}

// DispatchDataref delivers one dataref value to the update callbacks.
func (d *Dispatcher) DispatchDataref(path string, index int, value any) {
	for _, cb := range d.datarefCallbacks() {
		d.invoke(func() { cb(path, index, value) })
	}
}

// DispatchCommand delivers one command activity change to the callbacks.
func (d *Dispatcher) DispatchCommand(path string, active bool) {
	d.mu.Lock()
	cbs := make([]CommandActiveFunc, 0, len(d.command))
	for _, cb := range d.command {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()
	for _, cb := range cbs {
		d.invoke(func() { cb(path, active) })
	}
}

// DispatchConnection delivers a connection transition to the callbacks.
func (d *Dispatcher) DispatchConnection(state ConnectionState) {
	d.mu.Lock()
	cbs := make([]ConnectionFunc, 0, len(d.connect))
	for _, cb := range d.connect {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()
	for _, cb := range cbs {
		d.invoke(func() { cb(state) })
	}
}

func (d *Dispatcher) datarefCallbacks() []DatarefUpdateFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	cbs := make([]DatarefUpdateFunc, 0, len(d.dataref))
	for _, cb := range d.dataref {
		cbs = append(cbs, cb)
	}
	return cbs
}

// invoke runs one callback with panic recovery and duration accounting.
func (d *Dispatcher) invoke(fn func()) {
	start := time.Now()
	defer func() {
		d.metrics.RecordCallbackDuration(time.Since(start))
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "panic", r)
			d.metrics.RecordError("dispatcher", "callback_panic")
		}
	}()
	fn()
}

// OnDatarefUpdate registers a dataref update callback.
func (d *Dispatcher) OnDatarefUpdate(cb DatarefUpdateFunc) CallbackID {
	id := CallbackID(uuid.NewString())
	d.mu.Lock()
	d.dataref[id] = cb
	d.mu.Unlock()
	return id
}

// OnCommandActive registers a command activity callback.
func (d *Dispatcher) OnCommandActive(cb CommandActiveFunc) CallbackID {
	id := CallbackID(uuid.NewString())
	d.mu.Lock()
	d.command[id] = cb
	d.mu.Unlock()
	return id
}

// OnConnection registers a connection transition callback.
func (d *Dispatcher) OnConnection(cb ConnectionFunc) CallbackID {
	id := CallbackID(uuid.NewString())
	d.mu.Lock()
	d.connect[id] = cb
	d.mu.Unlock()
	return id
}

// OnFeedback registers a request feedback callback.
func (d *Dispatcher) OnFeedback(cb FeedbackFunc) CallbackID {
	id := CallbackID(uuid.NewString())
	d.mu.Lock()
	d.feedback[id] = cb
	d.mu.Unlock()
	return id
}

// Remove unregisters a callback by identifier.
func (d *Dispatcher) Remove(id CallbackID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dataref, id)
	delete(d.command, id)
	delete(d.connect, id)
	delete(d.feedback, id)
}

// Reset drops all pending requests, typically on reconnect.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		d.logger.Warn("dropping unacknowledged requests", "count", len(d.pending))
	}
	d.pending = make(map[int64]pendingRequest)
}
