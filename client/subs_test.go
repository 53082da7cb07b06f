package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devleaks/xplane-webapi/errors"
)

func TestTable_WholeValueRefcount(t *testing.T) {
	tbl := NewSubscriptionTable()

	// 0->1 subscribes
	change := tbl.SubscribeDataref(42, WholeValue)
	assert.Equal(t, actionSubscribe, change.action)
	assert.Nil(t, change.indices)

	// further subscribers are free
	for i := 0; i < 5; i++ {
		change = tbl.SubscribeDataref(42, WholeValue)
		assert.Equal(t, actionNone, change.action)
	}

	// releasing all but the last is free
	for i := 0; i < 5; i++ {
		change, err := tbl.UnsubscribeDataref(42, WholeValue)
		require.NoError(t, err)
		assert.Equal(t, actionNone, change.action)
	}

	// 1->0 unsubscribes
	change2, err := tbl.UnsubscribeDataref(42, WholeValue)
	require.NoError(t, err)
	assert.Equal(t, actionUnsubscribe, change2.action)

	_, err = tbl.UnsubscribeDataref(42, WholeValue)
	assert.Equal(t, errors.ErrNotMonitored, err)
}

func TestTable_IndexAccumulation(t *testing.T) {
	tbl := NewSubscriptionTable()

	change := tbl.SubscribeDataref(7, 3)
	assert.Equal(t, actionSubscribe, change.action)
	assert.Equal(t, []int{3}, change.indices)

	change = tbl.SubscribeDataref(7, 7)
	assert.Equal(t, actionSubscribe, change.action)
	assert.Equal(t, []int{3, 7}, change.indices, "accumulated list stays sorted")

	// Same element again: shared, no traffic
	change = tbl.SubscribeDataref(7, 3)
	assert.Equal(t, actionNone, change.action)

	assert.Equal(t, []int{3, 7}, tbl.DatarefIndices(7))
}

func TestTable_IndexUnsubscribe(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.SubscribeDataref(7, 3)
	tbl.SubscribeDataref(7, 7)
	tbl.SubscribeDataref(7, 3) // second subscriber of element 3

	// First release of element 3 is refcounted away
	change, err := tbl.UnsubscribeDataref(7, 3)
	require.NoError(t, err)
	assert.Equal(t, actionNone, change.action)

	// Last subscriber of element 3 drops just that element
	change, err = tbl.UnsubscribeDataref(7, 3)
	require.NoError(t, err)
	assert.Equal(t, actionUnsubscribe, change.action)
	assert.Equal(t, []int{3}, change.indices)
	assert.Equal(t, []int{7}, tbl.DatarefIndices(7))

	// Last element: the whole identifier goes
	change, err = tbl.UnsubscribeDataref(7, 7)
	require.NoError(t, err)
	assert.Equal(t, actionUnsubscribe, change.action)
	assert.Nil(t, change.indices)
	assert.Nil(t, tbl.DatarefIndices(7))
}

func TestTable_ReconcileCurrent(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.SubscribeDataref(7, 3)
	tbl.SubscribeDataref(7, 7)

	indices, whole, ok := tbl.Reconcile(7, 2)
	require.True(t, ok)
	assert.False(t, whole)
	assert.Equal(t, []int{3, 7}, indices)
}

func TestTable_ReconcileHistory(t *testing.T) {
	tbl := NewSubscriptionTable()
	// Build history: generation [1] then [1,2] then current [1,2,5,7]
	tbl.SubscribeDataref(7, 1)
	tbl.SubscribeDataref(7, 2)
	tbl.SubscribeDataref(7, 5)
	tbl.SubscribeDataref(7, 7)

	// Payload built against the [1,2] generation still in flight
	indices, whole, ok := tbl.Reconcile(7, 2)
	require.True(t, ok)
	assert.False(t, whole)
	assert.Equal(t, []int{1, 2}, indices)

	// No generation of length 3 beyond the current window exists... but
	// [1,2,5] does, as the most recent generation.
	indices, _, ok = tbl.Reconcile(7, 3)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 5}, indices)

	// Nothing ever had length 9
	_, _, ok = tbl.Reconcile(7, 9)
	assert.False(t, ok)
}

func TestTable_ReconcilePrefersMostRecentMatch(t *testing.T) {
	tbl := NewSubscriptionTable()
	// History ends up holding [1,5,7] then [1,2] (most recent), with a
	// current generation of different length.
	tbl.SubscribeDataref(9, 1)
	tbl.SubscribeDataref(9, 5)
	tbl.SubscribeDataref(9, 7)
	_, err := tbl.UnsubscribeDataref(9, 5)
	require.NoError(t, err)
	_, err = tbl.UnsubscribeDataref(9, 7)
	require.NoError(t, err)
	tbl.SubscribeDataref(9, 2) // current [1,2]
	tbl.SubscribeDataref(9, 4) // current [1,2,4], history [[1,2],[1],[1,7]]

	indices, _, ok := tbl.Reconcile(9, 2)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, indices, "most recent matching generation wins")
}

func TestTable_HistoryBounded(t *testing.T) {
	tbl := NewSubscriptionTable()
	for i := 0; i < 10; i++ {
		tbl.SubscribeDataref(7, i)
	}
	// Generations older than the retained window are gone: lengths 9, 8, 7
	// survive, length 1 does not.
	_, _, ok := tbl.Reconcile(7, 9)
	assert.True(t, ok)
	_, _, ok = tbl.Reconcile(7, 7)
	assert.True(t, ok)
	_, _, ok = tbl.Reconcile(7, 1)
	assert.False(t, ok)
}

func TestTable_ReconcileWholeValue(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.SubscribeDataref(42, WholeValue)

	_, whole, ok := tbl.Reconcile(42, 8)
	assert.True(t, ok)
	assert.True(t, whole)
}

func TestTable_ReconcileUnknownID(t *testing.T) {
	tbl := NewSubscriptionTable()
	_, _, ok := tbl.Reconcile(99, 2)
	assert.False(t, ok)
}

func TestTable_Commands(t *testing.T) {
	tbl := NewSubscriptionTable()

	change := tbl.SubscribeCommand(5)
	assert.Equal(t, actionSubscribe, change.action)
	change = tbl.SubscribeCommand(5)
	assert.Equal(t, actionNone, change.action)

	change, err := tbl.UnsubscribeCommand(5)
	require.NoError(t, err)
	assert.Equal(t, actionNone, change.action)
	change, err = tbl.UnsubscribeCommand(5)
	require.NoError(t, err)
	assert.Equal(t, actionUnsubscribe, change.action)

	_, err = tbl.UnsubscribeCommand(5)
	assert.Equal(t, errors.ErrNotMonitored, err)
}

func TestTable_ConcurrentRefcount(t *testing.T) {
	tbl := NewSubscriptionTable()

	const goroutines = 32
	var wg sync.WaitGroup
	subscribes := make(chan subAction, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			subscribes <- tbl.SubscribeDataref(42, WholeValue).action
		}()
	}
	wg.Wait()
	close(subscribes)

	wireSubs := 0
	for a := range subscribes {
		if a == actionSubscribe {
			wireSubs++
		}
	}
	assert.Equal(t, 1, wireSubs, "exactly one wire subscribe regardless of interleaving")

	unsubscribes := make(chan subAction, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			change, err := tbl.UnsubscribeDataref(42, WholeValue)
			require.NoError(t, err)
			unsubscribes <- change.action
		}()
	}
	wg.Wait()
	close(unsubscribes)

	wireUnsubs := 0
	for a := range unsubscribes {
		if a == actionUnsubscribe {
			wireUnsubs++
		}
	}
	assert.Equal(t, 1, wireUnsubs, "exactly one wire unsubscribe regardless of interleaving")
}

func TestTable_Reset(t *testing.T) {
	tbl := NewSubscriptionTable()
	tbl.SubscribeDataref(7, 3)
	tbl.SubscribeCommand(5)

	tbl.Reset()
	datarefs, commands := tbl.Counts()
	assert.Zero(t, datarefs)
	assert.Zero(t, commands)
	_, err := tbl.UnsubscribeDataref(7, 3)
	assert.Equal(t, errors.ErrNotMonitored, err)
}
