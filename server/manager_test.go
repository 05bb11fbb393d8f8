package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"moonbase/journal"
)

func joinClient(t *testing.T, m *RoomManager, room string) (*Client, *fakeOutbox, JoinResult) {
	t.Helper()
	out := newFakeOutbox()
	c := m.Connect(out)
	res, err := m.JoinOrCreate(context.Background(), c, room)
	if err != nil {
		t.Fatalf("join %s: %v", room, err)
	}
	return c, out, res
}

func TestJoinOrCreateReusesRoom(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, outA, resA := joinClient(t, m, "Lobby")
	_, outB, resB := joinClient(t, m, "Lobby")

	if len(m.Rooms()) != 1 {
		t.Fatalf("rooms = %+v", m.Rooms())
	}
	if len(resB.Players) != 2 {
		t.Fatalf("second snapshot = %+v", resB.Players)
	}
	if _, ok := resB.Players[resA.SessionID]; !ok {
		t.Fatalf("snapshot missing first player")
	}

	joined := outB.expect(t, TypeJoined)
	if joined.SessionID != resB.SessionID || joined.Room != "Lobby" || len(joined.Players) != 2 {
		t.Fatalf("joined = %+v", joined)
	}
	outB.expectNo(t, TypePlayerAdd, 50*time.Millisecond)

	outA.expect(t, TypeJoined)
	if add := outA.expect(t, TypePlayerAdd); add.ID != resB.SessionID || add.Move != "idleDown" {
		t.Fatalf("playerAdd = %+v", add)
	}
	outA.expect(t, TypeRequestPosition)
}

func TestMoveBroadcastsToAllIncludingOrigin(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, outA, resA := joinClient(t, m, "Lobby")
	_, outB, _ := joinClient(t, m, "Lobby")
	outA.drain()
	outB.drain()

	if err := m.Move(context.Background(), a, resA.SessionID, MoveRight); err != nil {
		t.Fatalf("move: %v", err)
	}
	for _, out := range []*fakeOutbox{outA, outB} {
		if got := out.expect(t, TypeServerMove); got.ID != resA.SessionID || got.Move != "moveRight" {
			t.Fatalf("serverMovePlayer = %+v", got)
		}
	}

	if err := m.Move(context.Background(), a, "", MoveRight); !errors.Is(err, ErrStaleIntent) {
		t.Fatalf("repeated move err = %v", err)
	}
	outB.expectNo(t, TypeServerMove, 50*time.Millisecond)
}

func TestMoveForForeignSessionRejected(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, _, _ := joinClient(t, m, "Lobby")
	_, outB, resB := joinClient(t, m, "Lobby")
	outB.drain()

	err := m.Move(context.Background(), a, resB.SessionID, MoveUp)
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v", err)
	}
	outB.expectNo(t, TypeServerMove, 50*time.Millisecond)
}

func TestMoveHeldDuringJoinGrace(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.JoinGrace = 150 * time.Millisecond })
	_, outA, _ := joinClient(t, m, "Lobby")
	c, _, res := joinClient(t, m, "Lobby")
	if c.Phase() != PhaseJoining {
		t.Fatalf("phase = %s", c.Phase())
	}
	outA.drain()

	// 宽限期内的意图不广播，只保留最后一次
	if err := m.Move(context.Background(), c, res.SessionID, MoveUp); err != nil {
		t.Fatalf("move during grace: %v", err)
	}
	if err := m.Move(context.Background(), c, res.SessionID, MoveRight); err != nil {
		t.Fatalf("move during grace: %v", err)
	}
	outA.expectNo(t, TypeServerMove, 50*time.Millisecond)

	msg := outA.expect(t, TypeServerMove)
	if msg.ID != res.SessionID || msg.Move != MoveRight.String() {
		t.Fatalf("applied after grace = %+v", msg)
	}
	outA.expectNo(t, TypeServerMove, 50*time.Millisecond)
	eventually(t, "grace elapsed", func() bool { return c.Phase() == PhaseActive })

	r, _ := m.Room("Lobby")
	snap, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap[res.SessionID].Move != MoveRight {
		t.Fatalf("server move = %s", snap[res.SessionID].Move)
	}
	if got := r.Metrics().Snapshot()["inputs_held"]; got != int64(2) {
		t.Fatalf("inputs_held = %v", got)
	}

	if err := m.Move(context.Background(), c, res.SessionID, MoveDown); err != nil {
		t.Fatalf("move after grace: %v", err)
	}
	if msg := outA.expect(t, TypeServerMove); msg.Move != MoveDown.String() {
		t.Fatalf("after grace = %+v", msg)
	}
}

func TestHeldMoveDiscardedOnLeave(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) {
		c.JoinGrace = 100 * time.Millisecond
		c.KeepEmptyRooms = true
	})
	_, outA, _ := joinClient(t, m, "Lobby")
	c, _, res := joinClient(t, m, "Lobby")
	outA.drain()

	if err := m.Move(context.Background(), c, res.SessionID, MoveLeft); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	outA.expect(t, TypePlayerLeave)
	outA.expectNo(t, TypeServerMove, 250*time.Millisecond)
	if c.Phase() != PhaseLobby {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestDisconnectBroadcastsSingleLeave(t *testing.T) {
	m, rec := newTestManager(t, nil)
	_, outA, _ := joinClient(t, m, "Lobby")
	b, _, resB := joinClient(t, m, "Lobby")
	outA.drain()

	m.Disconnect(b)
	m.Disconnect(b)

	if got := outA.expect(t, TypePlayerLeave); got.ID != resB.SessionID {
		t.Fatalf("leave = %+v", got)
	}
	outA.expectNo(t, TypePlayerLeave, 100*time.Millisecond)
	if b.Phase() != PhaseDisconnected {
		t.Fatalf("phase = %s", b.Phase())
	}
	if n := m.ClientCount(); n != 1 {
		t.Fatalf("clients = %d", n)
	}
	if _, err := m.JoinOrCreate(context.Background(), b, "Lobby"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("join after disconnect err = %v", err)
	}

	disconnects := 0
	for _, k := range rec.kinds() {
		if k == journal.KindDisconnect {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("journal kinds = %v", rec.kinds())
	}
}

func TestLeaveReturnsToLobby(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, outA, _ := joinClient(t, m, "Lobby")
	b, _, resB := joinClient(t, m, "Lobby")
	outA.drain()

	if err := m.Leave(context.Background(), b); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := outA.expect(t, TypePlayerLeave); got.ID != resB.SessionID {
		t.Fatalf("leave = %+v", got)
	}
	if b.Phase() != PhaseLobby || b.RoomName() != "" {
		t.Fatalf("phase = %s room = %q", b.Phase(), b.RoomName())
	}
	if err := m.Leave(context.Background(), b); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("second leave err = %v", err)
	}
	res, err := m.JoinOrCreate(context.Background(), b, "Lobby")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.SessionID == resB.SessionID {
		t.Fatalf("session id reused after leave")
	}
}

func TestJoinWhileInRoomRejected(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c, _, _ := joinClient(t, m, "Lobby")
	if _, err := m.JoinOrCreate(context.Background(), c, "Other"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
	if c.RoomName() != "Lobby" {
		t.Fatalf("room = %q", c.RoomName())
	}
	if _, ok := m.Room("Other"); ok {
		t.Fatalf("room created for rejected join")
	}
}

func TestEnterDoorMovesClientToDestination(t *testing.T) {
	m, rec := newTestManager(t, nil)
	a, outA, resA := joinClient(t, m, "MoonBase")
	_, outB, _ := joinClient(t, m, "MoonBase")
	outA.drain()
	outB.drain()

	res, err := m.EnterDoor(context.Background(), a, "BarDoor")
	if err != nil {
		t.Fatalf("enter door: %v", err)
	}
	if res.Room != "Bar" || a.RoomName() != "Bar" || a.Phase() != PhaseActive {
		t.Fatalf("res = %+v room = %q phase = %s", res, a.RoomName(), a.Phase())
	}
	if res.SessionID == resA.SessionID {
		t.Fatalf("session id reused across rooms")
	}

	// 留在 MoonBase 的玩家先看到朝上静止，再看到离开
	if got := outB.expect(t, TypeServerMove); got.ID != resA.SessionID || got.Move != "idleUp" {
		t.Fatalf("forced idle = %+v", got)
	}
	if got := outB.expect(t, TypePlayerLeave); got.ID != resA.SessionID {
		t.Fatalf("leave = %+v", got)
	}

	joined := outA.expect(t, TypeJoined)
	if joined.Room != "Bar" || len(joined.Players) != 1 {
		t.Fatalf("joined = %+v", joined)
	}
	if st := joined.Players[res.SessionID]; st.Move != IdleDown {
		t.Fatalf("arrival state = %+v", st)
	}

	// 从 Bar 回到 MoonBase，出生在门口
	back, err := m.EnterDoor(context.Background(), a, "BarDoor")
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if st := back.Players[back.SessionID]; st.X != 0 || st.Y != 64 {
		t.Fatalf("arrive position = %+v", st)
	}
	eventually(t, "empty Bar reaped", func() bool {
		_, ok := m.Room("Bar")
		return !ok
	})

	var transitions int
	for _, k := range rec.kinds() {
		if k == journal.KindTransition {
			transitions++
		}
	}
	if transitions != 2 {
		t.Fatalf("journal kinds = %v", rec.kinds())
	}
}

func TestEnterUnknownDoor(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c, _, _ := joinClient(t, m, "MoonBase")
	if _, err := m.EnterDoor(context.Background(), c, "Nope"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
	if c.Phase() != PhaseActive || c.RoomName() != "MoonBase" {
		t.Fatalf("phase = %s room = %q", c.Phase(), c.RoomName())
	}
}

func TestFailedTransitionStaysTransitioning(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.RestrictRooms = true })
	c, _, _ := joinClient(t, m, "MoonBase")

	_, err := m.Transition(context.Background(), c, "Nowhere", nil, DirDown)
	if !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if c.Phase() != PhaseTransitioning || c.RoomName() != "" {
		t.Fatalf("phase = %s room = %q", c.Phase(), c.RoomName())
	}

	if _, err := m.EnterDoor(context.Background(), c, "BarDoor"); !errors.Is(err, ErrDuplicateTransition) {
		t.Fatalf("door during transition err = %v", err)
	}
	if _, err := m.Transition(context.Background(), c, "Bar", nil, DirNone); !errors.Is(err, ErrDuplicateTransition) {
		t.Fatalf("second transition err = %v", err)
	}
	if err := m.Move(context.Background(), c, "", MoveUp); !errors.Is(err, ErrMovementDisabled) {
		t.Fatalf("move during transition err = %v", err)
	}

	res, err := m.JoinOrCreate(context.Background(), c, "Bar")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Room != "Bar" || c.Phase() != PhaseActive {
		t.Fatalf("res = %+v phase = %s", res, c.Phase())
	}
	if snap := m.Metrics().Snapshot(); snap["duplicate_transitions"] != int64(2) || snap["room_unavailable"] != int64(1) {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestFullRoomUnavailable(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxPlayers = 1 })
	joinClient(t, m, "Lobby")
	c := m.Connect(newFakeOutbox())
	if _, err := m.JoinOrCreate(context.Background(), c, "Lobby"); !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if c.Phase() != PhaseLobby {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestInvalidRoomNameUnavailable(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c := m.Connect(newFakeOutbox())
	if _, err := m.JoinOrCreate(context.Background(), c, "../etc"); !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptyRoomReapedUnlessKept(t *testing.T) {
	m, rec := newTestManager(t, nil)
	c, _, _ := joinClient(t, m, "Lobby")
	if err := m.Leave(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	eventually(t, "room reaped", func() bool {
		_, ok := m.Room("Lobby")
		return !ok
	})
	eventually(t, "room_closed recorded", func() bool {
		for _, k := range rec.kinds() {
			if k == journal.KindRoomClosed {
				return true
			}
		}
		return false
	})

	m.UpdateSettings(func(s *Settings) { s.KeepEmptyRooms = true })
	c2, _, _ := joinClient(t, m, "Lobby")
	if err := m.Leave(context.Background(), c2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Room("Lobby"); !ok {
		t.Fatalf("kept room was reaped")
	}
}

func TestKeptRoomsReapedWhenSettingTurnsOff(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.KeepEmptyRooms = true })
	for _, name := range []string{"Lobby", "Bar"} {
		c, _, _ := joinClient(t, m, name)
		if err := m.Leave(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	_, _, _ = joinClient(t, m, "House")
	time.Sleep(50 * time.Millisecond)
	if got := len(m.Rooms()); got != 3 {
		t.Fatalf("rooms before = %d", got)
	}

	m.UpdateSettings(func(s *Settings) { s.KeepEmptyRooms = false })
	eventually(t, "empty rooms reaped", func() bool {
		_, lobby := m.Room("Lobby")
		_, bar := m.Room("Bar")
		return !lobby && !bar
	})
	if _, ok := m.Room("House"); !ok {
		t.Fatalf("occupied room reaped")
	}
}

func TestConcurrentJoinsShareOneRoom(t *testing.T) {
	m, _ := newTestManager(t, nil)
	const n = 32
	var wg sync.WaitGroup
	ids := make(chan SessionID, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := m.Connect(newFakeOutbox())
			res, err := m.JoinOrCreate(context.Background(), c, "Crowd")
			if err != nil {
				errs <- err
				return
			}
			ids <- res.SessionID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("join: %v", err)
	}
	seen := map[SessionID]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session %s", id)
		}
		seen[id] = true
	}
	r, ok := m.Room("Crowd")
	if !ok || r.Len() != n || len(seen) != n {
		t.Fatalf("room ok=%v len=%d ids=%d", ok, r.Len(), len(seen))
	}
	snap, err := r.Snapshot(context.Background())
	if err != nil || len(snap) != n {
		t.Fatalf("snapshot len=%d err=%v", len(snap), err)
	}
}

func TestConcurrentMovesAreSerialized(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c, out, res := joinClient(t, m, "Lobby")
	out.drain()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Move(context.Background(), c, res.SessionID, MoveDown)
		}()
	}
	wg.Wait()
	out.expect(t, TypeServerMove)
	out.expectNo(t, TypeServerMove, 50*time.Millisecond)
	r, _ := m.Room("Lobby")
	if snap := r.Metrics().Snapshot(); snap["inputs_deduped"] != int64(7) {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestDeliverPositionUpdatesSnapshot(t *testing.T) {
	m, _ := newTestManager(t, nil)
	c, _, res := joinClient(t, m, "Lobby")
	if err := m.DeliverPosition(context.Background(), c, Position{X: 12.5, Y: -3}); err != nil {
		t.Fatal(err)
	}
	r, _ := m.Room("Lobby")
	pos, err := r.QueryPosition(context.Background(), res.SessionID)
	if err != nil || pos != (Position{X: 12.5, Y: -3}) {
		t.Fatalf("pos = %+v err = %v", pos, err)
	}
	_, _, late := joinClient(t, m, "Lobby")
	if st := late.Players[res.SessionID]; st.X != 12.5 || st.Y != -3 {
		t.Fatalf("late joiner snapshot = %+v", st)
	}
}

func TestManagerCloseRejectsJoins(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, out, _ := joinClient(t, m, "Lobby")
	m.Close()
	if !out.isClosed() {
		t.Fatalf("client outbox not closed")
	}
	c := m.Connect(newFakeOutbox())
	if _, err := m.JoinOrCreate(context.Background(), c, "Lobby"); !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRoomsListing(t *testing.T) {
	m, _ := newTestManager(t, nil)
	for i := 0; i < 3; i++ {
		joinClient(t, m, fmt.Sprintf("Room%d", i))
	}
	joinClient(t, m, "Room1")
	rooms := m.Rooms()
	if len(rooms) != 3 || rooms[1].Name != "Room1" || rooms[1].Players != 2 {
		t.Fatalf("rooms = %+v", rooms)
	}
}
