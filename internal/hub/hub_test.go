package hub_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collab-backend/internal/hub"
	"collab-backend/internal/model"
	"collab-backend/internal/presence"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) events(t *testing.T) []hub.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]hub.Event, 0, len(c.frames))
	for _, frame := range c.frames {
		var ev hub.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) lastEventType(t *testing.T) string {
	t.Helper()
	evs := c.events(t)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1].Type
}

type fakeRelay struct {
	mu       sync.Mutex
	sessions []string
	frames   [][]byte
}

func (r *fakeRelay) Publish(session string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, session)
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func user(id string) model.UserSummary {
	return model.UserSummary{ID: id, DisplayName: "user-" + id}
}

func TestHub_RelayCursorReachesWholeRoomExceptSender(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	sender, sameRes, otherRes := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), sender)
	h.Join("triage-42", "c2", user("u2"), sameRes)
	h.Join("triage-42", "c3", user("u3"), otherRes)

	tracker.Add("c1", "triage-42", user("u1"))
	tracker.Add("c2", "triage-42", user("u2"))
	tracker.Add("c3", "triage-42", user("u3"))
	tracker.SetViewing("c1", "feedback-9")
	tracker.SetViewing("c2", "feedback-9")
	tracker.SetViewing("c3", "feedback-7")

	h.RelayCursor("c1", "feedback-9", 0.31, 0.72)

	// Delivery is session-wide: the viewer on a different resource gets the
	// frame too and filters client-side.
	require.Empty(t, sender.events(t))
	require.Len(t, sameRes.events(t), 1)
	require.Len(t, otherRes.events(t), 1)

	ev := sameRes.events(t)[0]
	require.Equal(t, hub.EventCursorMoved, ev.Type)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var cursor hub.CursorPayload
	require.NoError(t, json.Unmarshal(payload, &cursor))
	require.Equal(t, "feedback-9", cursor.ResourceID)
	require.Equal(t, 0.31, cursor.X)
	require.Equal(t, 0.72, cursor.Y)
	require.Equal(t, "u1", cursor.Sender.ID)
}

func TestHub_RelayCursorDropsUnknownSender(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	receiver := &fakeConn{}
	h.Join("triage-42", "c2", user("u2"), receiver)
	tracker.Add("c2", "triage-42", user("u2"))

	// Sender raced with its own disconnect; the frame is dropped silently.
	h.RelayCursor("ghost", "feedback-9", 0.5, 0.5)

	require.Empty(t, receiver.events(t))
}

func TestHub_BroadcastRosterExcludesJoiner(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	existing, joiner := &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), existing)
	h.Join("triage-42", "c2", user("u2"), joiner)

	roster := []model.UserSummary{user("u1"), user("u2")}
	h.BroadcastRoster("triage-42", roster, "c2")

	require.Equal(t, hub.EventRosterUpdated, existing.lastEventType(t))
	require.Empty(t, joiner.events(t))
}

func TestHub_BroadcastCommentReachesWholeRoom(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	author, peer := &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), author)
	h.Join("triage-42", "c2", user("u2"), peer)

	h.BroadcastComment("triage-42", map[string]string{"content": "hello"})

	// The author's own connection receives it as well; the client treats it
	// as the delivery confirmation.
	require.Equal(t, hub.EventCommentAdded, author.lastEventType(t))
	require.Equal(t, hub.EventCommentAdded, peer.lastEventType(t))
}

func TestHub_BroadcastUpdateSkipsActor(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	actor, peer := &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), actor)
	h.Join("triage-42", "c2", user("u2"), peer)

	h.BroadcastUpdate("triage-42", "feedback-9", map[string]any{"status": "planned"}, user("u1"), "c1")

	require.Empty(t, actor.events(t))

	ev := peer.events(t)[0]
	require.Equal(t, hub.EventResourceUpdated, ev.Type)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var update hub.ResourceUpdatePayload
	require.NoError(t, json.Unmarshal(payload, &update))
	require.Equal(t, "feedback-9", update.ResourceID)
	require.Equal(t, "planned", update.Patch["status"])
	require.Equal(t, "u1", update.UpdatedBy.ID)
}

func TestHub_SendToTargetsSingleConnection(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	target, bystander := &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), target)
	h.Join("triage-42", "c2", user("u2"), bystander)

	h.SendTo("triage-42", "c1", hub.Event{Type: hub.EventError, Payload: map[string]string{"message": "nope"}})

	require.Equal(t, hub.EventError, target.lastEventType(t))
	require.Empty(t, bystander.events(t))
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	gone, stays := &fakeConn{}, &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), gone)
	h.Join("triage-42", "c2", user("u2"), stays)

	h.Leave("triage-42", "c1")
	h.BroadcastComment("triage-42", map[string]string{"content": "after leave"})

	require.Empty(t, gone.events(t))
	require.Len(t, stays.events(t), 1)
}

func TestHub_JoinRacingLastLeaveKeepsJoinerReachable(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	// A join overlapping the last member's leave must never land in a room
	// that the leave just evicted from the map.
	for i := 0; i < 500; i++ {
		leaver := &fakeConn{}
		h.Join("triage-42", "old", user("u1"), leaver)

		joiner := &fakeConn{}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Leave("triage-42", "old")
		}()
		go func() {
			defer wg.Done()
			h.Join("triage-42", "new", user("u2"), joiner)
		}()
		wg.Wait()

		h.SendTo("triage-42", "new", hub.Event{Type: hub.EventSessionJoined})
		require.NotEmpty(t, joiner.events(t), "joiner unreachable after concurrent last-leave")

		h.Leave("triage-42", "new")
	}
}

func TestHub_BroadcastMirroredToRelay(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)
	relay := &fakeRelay{}
	h.SetRelay(relay)

	local := &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), local)

	h.BroadcastComment("triage-42", map[string]string{"content": "hello"})

	relay.mu.Lock()
	defer relay.mu.Unlock()
	require.Equal(t, []string{"triage-42"}, relay.sessions)
	require.Len(t, relay.frames, 1)

	var ev hub.Event
	require.NoError(t, json.Unmarshal(relay.frames[0], &ev))
	require.Equal(t, hub.EventCommentAdded, ev.Type)
}

func TestHub_DeliverRemoteReachesLocalConnections(t *testing.T) {
	tracker := presence.NewTracker()
	h := hub.New(tracker)

	local := &fakeConn{}
	h.Join("triage-42", "c1", user("u1"), local)

	frame, err := json.Marshal(hub.Event{Type: hub.EventCommentAdded, Payload: map[string]string{"content": "from peer"}})
	require.NoError(t, err)

	h.DeliverRemote("triage-42", frame)
	h.DeliverRemote("unknown-session", frame)

	require.Len(t, local.events(t), 1)
	require.Equal(t, hub.EventCommentAdded, local.events(t)[0].Type)
}
