package netmon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldsync/netmon"
)

func TestManualNotifiesOnTransitionsOnly(t *testing.T) {
	m := netmon.NewManual(false)
	var events []bool
	unsubscribe := m.Subscribe(func(online bool) { events = append(events, online) })
	defer unsubscribe()

	m.SetOnline(false) // no transition
	m.SetOnline(true)
	m.SetOnline(true) // no transition
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, m.Online())
}

func TestManualUnsubscribeStopsNotifications(t *testing.T) {
	m := netmon.NewManual(false)
	calls := 0
	unsubscribe := m.Subscribe(func(bool) { calls++ })

	m.SetOnline(true)
	assert.Equal(t, 1, calls)

	unsubscribe()
	unsubscribe() // safe to call twice
	m.SetOnline(false)
	assert.Equal(t, 1, calls)
}

func TestManualSupportsMultipleSubscribers(t *testing.T) {
	m := netmon.NewManual(true)
	a, b := 0, 0
	defer m.Subscribe(func(bool) { a++ })()
	defer m.Subscribe(func(bool) { b++ })()

	m.SetOnline(false)
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
