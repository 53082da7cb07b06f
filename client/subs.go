package client

import (
	"sort"
	"sync"

	"github.com/devleaks/xplane-webapi/errors"
)

// historyDepth bounds how many past index generations are retained per
// identifier for reconciliation of in-flight responses.
const historyDepth = 3

// WholeValue subscribes to the complete value of a dataref instead of a
// single array element.
const WholeValue = -1

// subAction tells the caller what wire traffic a table mutation requires.
type subAction int

const (
	actionNone subAction = iota
	actionSubscribe
	actionUnsubscribe
)

// subChange is the outcome of a table mutation: the wire request to issue,
// if any, and the indices it must carry. Indices is nil for whole-value
// requests.
type subChange struct {
	action  subAction
	indices []int
}

// datarefSub tracks the subscribers of one dataref identifier: per-index
// reference counts, the accumulated index list currently requested from the
// simulator, and a bounded history of previous index generations.
type datarefSub struct {
	wholeRefs int
	indexRefs map[int]int
	current   []int   // sorted accumulated indices, nil for whole value
	history   [][]int // previous generations, most recent first
}

// pushHistory saves the current generation before it is replaced.
func (s *datarefSub) pushHistory() {
	if s.current == nil {
		return
	}
	saved := append([]int(nil), s.current...)
	s.history = append([][]int{saved}, s.history...)
	if len(s.history) > historyDepth {
		s.history = s.history[:historyDepth]
	}
}

// rebuild recomputes the sorted accumulated index list from the refcounts.
func (s *datarefSub) rebuild() {
	indices := make([]int, 0, len(s.indexRefs))
	for idx := range s.indexRefs {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	s.current = indices
}

// SubscriptionTable owns all subscription bookkeeping, keyed by simulator
// identifier. It decides when a monitor/unmonitor call must produce wire
// traffic: only the 0->1 and 1->0 reference transitions do. All access goes
// through the table mutex; the receive loop reads index generations through
// Reconcile while application threads mutate through Subscribe/Unsubscribe.
type SubscriptionTable struct {
	mu       sync.Mutex
	datarefs map[int64]*datarefSub
	commands map[int64]int // identifier -> refcount
}

// NewSubscriptionTable creates an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		datarefs: make(map[int64]*datarefSub),
		commands: make(map[int64]int),
	}
}

// SubscribeDataref registers one subscriber for a dataref identifier.
// index is WholeValue for the complete value or a single array element.
// The returned change carries the full accumulated index list to request.
func (t *SubscriptionTable) SubscribeDataref(id int64, index int) subChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.datarefs[id]
	if !ok {
		entry = &datarefSub{indexRefs: make(map[int]int)}
		t.datarefs[id] = entry
	}

	if index == WholeValue {
		entry.wholeRefs++
		if entry.wholeRefs == 1 {
			return subChange{action: actionSubscribe}
		}
		return subChange{action: actionNone}
	}

	entry.indexRefs[index]++
	if entry.indexRefs[index] > 1 {
		return subChange{action: actionNone}
	}

	// New index: the accumulated list changes, save the old generation
	// for reconciliation of responses still in flight.
	entry.pushHistory()
	entry.rebuild()
	return subChange{action: actionSubscribe, indices: append([]int(nil), entry.current...)}
}

// UnsubscribeDataref removes one subscriber. Only the last subscriber of an
// index shrinks the accumulated list, and only the last subscriber of the
// identifier tears the wire subscription down.
func (t *SubscriptionTable) UnsubscribeDataref(id int64, index int) (subChange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.datarefs[id]
	if !ok {
		return subChange{}, errors.ErrNotMonitored
	}

	if index == WholeValue {
		if entry.wholeRefs == 0 {
			return subChange{}, errors.ErrNotMonitored
		}
		entry.wholeRefs--
		if entry.wholeRefs == 0 && len(entry.indexRefs) == 0 {
			delete(t.datarefs, id)
			return subChange{action: actionUnsubscribe}, nil
		}
		return subChange{action: actionNone}, nil
	}

	if entry.indexRefs[index] == 0 {
		return subChange{}, errors.ErrNotMonitored
	}
	entry.indexRefs[index]--
	if entry.indexRefs[index] > 0 {
		return subChange{action: actionNone}, nil
	}

	delete(entry.indexRefs, index)
	entry.pushHistory()
	entry.rebuild()

	if len(entry.indexRefs) == 0 && entry.wholeRefs == 0 {
		delete(t.datarefs, id)
		return subChange{action: actionUnsubscribe}, nil
	}
	// Other indices remain: drop just this element on the wire.
	return subChange{action: actionUnsubscribe, indices: []int{index}}, nil
}

// SubscribeCommand registers one subscriber for a command identifier.
func (t *SubscriptionTable) SubscribeCommand(id int64) subChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands[id]++
	if t.commands[id] == 1 {
		return subChange{action: actionSubscribe}
	}
	return subChange{action: actionNone}
}

// UnsubscribeCommand removes one subscriber of a command identifier.
func (t *SubscriptionTable) UnsubscribeCommand(id int64) (subChange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commands[id] == 0 {
		return subChange{}, errors.ErrNotMonitored
	}
	t.commands[id]--
	if t.commands[id] == 0 {
		delete(t.commands, id)
		return subChange{action: actionUnsubscribe}, nil
	}
	return subChange{action: actionNone}, nil
}

// Reconcile pairs an inbound array payload with the index generation it was
// built against. When the payload length does not match the current
// generation, a resubscription was in flight, and all retained generations
// are searched most recent first for one of matching length. whole reports
// a whole-value subscription, where the payload is delivered as is. ok is
// false when no generation matches and the payload must be dropped.
func (t *SubscriptionTable) Reconcile(id int64, payloadLen int) (indices []int, whole, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.datarefs[id]
	if !exists {
		return nil, false, false
	}
	if entry.wholeRefs > 0 && len(entry.indexRefs) == 0 {
		return nil, true, true
	}
	if len(entry.current) == payloadLen {
		return append([]int(nil), entry.current...), false, true
	}
	for _, gen := range entry.history {
		if len(gen) == payloadLen {
			return append([]int(nil), gen...), false, true
		}
	}
	return nil, false, false
}

// DatarefIndices returns the accumulated index list currently requested for
// an identifier, nil when the identifier is unknown or whole-value.
func (t *SubscriptionTable) DatarefIndices(id int64) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.datarefs[id]
	if !ok || entry.current == nil {
		return nil
	}
	return append([]int(nil), entry.current...)
}

// Counts returns the number of monitored dataref identifiers and commands.
func (t *SubscriptionTable) Counts() (datarefs, commands int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.datarefs), len(t.commands)
}

// Reset drops all bookkeeping. Called on reconnect: identifiers from the
// previous connection epoch are meaningless afterwards.
func (t *SubscriptionTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.datarefs = make(map[int64]*datarefSub)
	t.commands = make(map[int64]int)
}
