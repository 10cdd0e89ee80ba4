package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	events []sent
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.events = append(c.events, sent{event, payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func TestScopeHelpers(t *testing.T) {
	assert.Equal(t, Scope("player:p1"), PlayerScope("p1"))
	assert.True(t, ZoneScope("harbor").IsZone())
	assert.False(t, ZoneScope("harbor").IsChat())
	assert.True(t, ChatScope("trade").IsChat())
	assert.Equal(t, "harbor", ZoneScope("harbor").Name())
}

func TestJoinThenBroadcastReachesMember(t *testing.T) {
	r := NewRouter()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	r.Register(c1)
	r.Register(c2)

	require.NoError(t, r.JoinScope("c1", ZoneScope("harbor")))
	assert.Equal(t, 1, r.SendToScope(ZoneScope("harbor"), "zone:tick", nil))
	assert.Equal(t, 1, c1.received("zone:tick"))
	assert.Equal(t, 0, c2.received("zone:tick"))

	require.NoError(t, r.LeaveScope("c1", ZoneScope("harbor")))
	assert.Equal(t, 0, r.SendToScope(ZoneScope("harbor"), "zone:tick", nil))
	assert.Equal(t, 1, c1.received("zone:tick"))
}

func TestJoinUnknownConnection(t *testing.T) {
	r := NewRouter()
	err := r.JoinScope("ghost", ZoneScope("harbor"))
	assert.ErrorIs(t, err, apperr.ErrConnectionUnknown)
	assert.ErrorIs(t, r.LeaveScope("ghost", ZoneScope("harbor")), apperr.ErrConnectionUnknown)
	assert.ErrorIs(t, r.SendTo("ghost", "x", nil), apperr.ErrConnectionUnknown)
}

func TestSendToScopeExcept(t *testing.T) {
	r := NewRouter()
	for _, id := range []string{"c1", "c2", "c3"} {
		r.Register(newFakeConn(id))
		require.NoError(t, r.JoinScope(id, ZoneScope("harbor")))
	}

	assert.Equal(t, 2, r.SendToScopeExcept(ZoneScope("harbor"), "c1", "zone:player_joined", nil))
}

func TestSendToAllSkipsFailures(t *testing.T) {
	r := NewRouter()
	ok := newFakeConn("ok")
	broken := &fakeConn{id: "broken", fail: true}
	r.Register(ok)
	r.Register(broken)

	assert.Equal(t, 1, r.SendToAll("system:message", map[string]string{"text": "maintenance"}))
	assert.Equal(t, 1, ok.received("system:message"))
	assert.Error(t, r.SendTo("broken", "x", nil))
}

func TestUnregisterDropsMemberships(t *testing.T) {
	r := NewRouter()
	r.Register(newFakeConn("c1"))
	require.NoError(t, r.JoinScope("c1", ZoneScope("harbor")))
	require.NoError(t, r.JoinScope("c1", ChatScope("trade")))

	left := r.Unregister("c1")
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	assert.Equal(t, []Scope{ChatScope("trade"), ZoneScope("harbor")}, left)
	assert.Zero(t, r.Count(ZoneScope("harbor")))
	assert.Zero(t, r.Size())
	assert.Empty(t, r.Scopes("c1"))
	assert.Empty(t, r.Unregister("c1"))
}

func TestMigrate(t *testing.T) {
	r := NewRouter()
	for _, id := range []string{"c1", "c2"} {
		r.Register(newFakeConn(id))
		require.NoError(t, r.JoinScope(id, ZoneScope("old_town")))
	}
	r.Register(newFakeConn("c3"))
	require.NoError(t, r.JoinScope("c3", ZoneScope("new_town")))

	assert.Equal(t, 2, r.Migrate(ZoneScope("old_town"), ZoneScope("new_town")))
	assert.Zero(t, r.Count(ZoneScope("old_town")))
	assert.Equal(t, 3, r.Count(ZoneScope("new_town")))
	assert.Equal(t, []Scope{ZoneScope("new_town")}, r.Scopes("c1"))

	assert.Zero(t, r.Migrate(ZoneScope("empty"), ZoneScope("new_town")))
	assert.Zero(t, r.Migrate(ZoneScope("new_town"), ZoneScope("new_town")))
}

func TestConcurrentJoinsKeepOrdering(t *testing.T) {
	r := NewRouter()
	const players = 50

	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			r.Register(c)
			scope := ZoneScope(fmt.Sprintf("zone-%d", i%5))
			if err := r.JoinScope(c.ID(), scope); err != nil {
				t.Error(err)
				return
			}
			// A broadcast issued after our own join always reaches us.
			event := fmt.Sprintf("ping-%d", i)
			r.SendToScope(scope, event, i)
			if c.received(event) == 0 {
				t.Errorf("connection %s missed broadcast after join", c.ID())
			}
			if err := r.LeaveScope(c.ID(), scope); err != nil {
				t.Error(err)
				return
			}
			before := c.received(event)
			r.SendToScope(scope, event, i)
			if c.received(event) != before {
				t.Errorf("connection %s received broadcast after leave", c.ID())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, players, r.Size())
}

func TestMembers(t *testing.T) {
	r := NewRouter()
	for _, id := range []string{"c1", "c2", "c3"} {
		r.Register(newFakeConn(id))
	}
	require.NoError(t, r.JoinScope("c1", ZoneScope("harbor")))
	require.NoError(t, r.JoinScope("c3", ZoneScope("harbor")))

	assert.ElementsMatch(t, []string{"c1", "c3"}, r.Members(ZoneScope("harbor")))
	assert.Empty(t, r.Members(ZoneScope("nowhere")))
}
