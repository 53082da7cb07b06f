package client

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Dataref is the application's handle on one simulator variable, or on one
// element of an array variable when created with "path[index]" syntax.
// Several Dataref instances may address the same underlying variable; the
// subscription table makes sure they share one wire subscription.
type Dataref struct {
	client *Client
	path   string // bracket suffix stripped
	index  int    // WholeValue unless created with path[index]

	autoSave bool

	mu         sync.Mutex
	value      any
	hasValue   bool
	pending    any
	hasPending bool
}

// parseDatarefPath splits "sim/some/values[4]" into ("sim/some/values", 4).
// A path without brackets addresses the whole value.
func parseDatarefPath(path string) (string, int) {
	open := strings.IndexByte(path, '[')
	end := strings.IndexByte(path, ']')
	if open < 0 || end < open {
		return path, WholeValue
	}
	idx, err := strconv.Atoi(path[open+1 : end])
	if err != nil {
		return path, WholeValue
	}
	return path[:open], idx
}

// Path returns the dataref path without any array index suffix.
func (d *Dataref) Path() string {
	return d.path
}

// Index returns the array element this dataref addresses and whether one
// was given.
func (d *Dataref) Index() (int, bool) {
	return d.index, d.index != WholeValue
}

// Value returns the pending write value when one is set, else the last
// value received over the WebSocket, else fetches the value through the
// REST API.
func (d *Dataref) Value(ctx context.Context) (any, error) {
	d.mu.Lock()
	if d.hasPending {
		v := d.pending
		d.mu.Unlock()
		return v, nil
	}
	if d.hasValue {
		v := d.value
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()
	return d.client.datarefValue(ctx, d)
}

// Set stores a value to write. With auto-save the write is issued
// immediately, otherwise it waits for Save.
func (d *Dataref) Set(ctx context.Context, value any) error {
	d.mu.Lock()
	d.pending = value
	d.hasPending = true
	autoSave := d.autoSave
	d.mu.Unlock()
	if autoSave {
		return d.Save(ctx)
	}
	return nil
}

// Save writes the pending value to the simulator and clears it on success.
func (d *Dataref) Save(ctx context.Context) error {
	if err := d.client.writeDataref(ctx, d); err != nil {
		return err
	}
	d.mu.Lock()
	d.pending = nil
	d.hasPending = false
	d.mu.Unlock()
	return nil
}

// Monitor subscribes this dataref to push updates. Reference counted: the
// first subscriber of a value triggers the wire subscribe, later ones are
// free.
func (d *Dataref) Monitor() error {
	return d.client.Monitor(d)
}

// Unmonitor releases this dataref's subscription.
func (d *Dataref) Unmonitor() error {
	return d.client.Unmonitor(d)
}

// setReceived records a value pushed by the simulator.
func (d *Dataref) setReceived(value any) {
	d.mu.Lock()
	d.value = value
	d.hasValue = true
	d.mu.Unlock()
}

// pendingValue returns the value waiting to be written.
func (d *Dataref) pendingValue() (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.hasPending
}

// Command is the application's handle on one triggerable simulator action.
type Command struct {
	client   *Client
	path     string
	duration float64 // default hold duration in seconds, 0 = single press
}

// Path returns the command path.
func (c *Command) Path() string {
	return c.path
}

// Execute triggers the command. duration overrides the command default
// when positive.
func (c *Command) Execute(ctx context.Context, duration float64) error {
	if duration == 0 {
		duration = c.duration
	}
	return c.client.executeCommand(ctx, c, duration)
}

// Monitor subscribes to this command's activity reporting.
func (c *Command) Monitor() error {
	return c.client.MonitorCommand(c)
}

// Unmonitor releases this command's activity subscription.
func (c *Command) Unmonitor() error {
	return c.client.UnmonitorCommand(c)
}
