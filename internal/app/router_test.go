package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

func newTestRouter(t *testing.T, opts RouterOptions) (*Registry, *Router) {
	t.Helper()
	reg := NewRegistry()
	return reg, NewRouter(reg, opts)
}

func mustJoin(t *testing.T, r *Router, id domain.ConnectionID, key domain.SessionKey) JoinResult {
	t.Helper()
	res, err := r.Join(id, key)
	if err != nil {
		t.Fatalf("Join(%s, %q): %v", id, key, err)
	}
	return res
}

func TestRouterJoinCapacity(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	b, _ := register(t, reg)
	c, _ := register(t, reg)

	mustJoin(t, r, a, "")
	if res := mustJoin(t, r, b, domain.DefaultSessionKey); res.Members != 2 || res.Capacity != 2 {
		t.Fatalf("JoinResult=%+v, want 2 members capacity 2", res)
	}
	if _, err := r.Join(c, ""); !errors.Is(err, domain.ErrSessionFull) {
		t.Fatalf("Join err=%v, want %v", err, domain.ErrSessionFull)
	}
	if _, ok := r.SessionOf(c); ok {
		t.Fatalf("rejected connection has a session")
	}
	if res := mustJoin(t, r, c, "room2"); res.Session != "room2" || res.Members != 1 {
		t.Fatalf("JoinResult=%+v, want room2 with 1 member", res)
	}
	info, _ := r.Session(domain.DefaultSessionKey)
	if len(info.Members) != 2 {
		t.Fatalf("default members=%v, want 2", info.Members)
	}
}

func TestRouterConfiguredDefaultSession(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2, DefaultSession: "lobby"})
	a, _ := register(t, reg)
	b, _ := register(t, reg)
	if res := mustJoin(t, r, a, ""); res.Session != "lobby" {
		t.Fatalf("Join(\"\") session=%q, want lobby", res.Session)
	}
	if res := mustJoin(t, r, b, "lobby"); res.Members != 2 {
		t.Fatalf("members=%d, want 2", res.Members)
	}
	if info, ok := r.Session(""); !ok || info.Key != "lobby" {
		t.Fatalf("Session(\"\")=%+v,%v, want lobby", info, ok)
	}
	if _, ok := r.Session(domain.DefaultSessionKey); ok {
		t.Fatalf("built-in default session created")
	}
}

func TestRouterJoinAlreadyJoined(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	mustJoin(t, r, a, "one")
	if _, err := r.Join(a, "two"); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("Join err=%v, want %v", err, domain.ErrAlreadyJoined)
	}
	if _, err := r.Join(a, "one"); !errors.Is(err, domain.ErrAlreadyJoined) {
		t.Fatalf("Join same session err=%v, want %v", err, domain.ErrAlreadyJoined)
	}
	if _, ok := r.Session("two"); ok {
		t.Fatalf("session two created by rejected join")
	}
	r.Leave(a)
	mustJoin(t, r, a, "two")
}

func TestRouterJoinSendsAck(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, rec := register(t, reg)
	mustJoin(t, r, a, "room")
	envs := rec.all(t)
	if len(envs) != 1 || envs[0].Type != protocol.KindJoined {
		t.Fatalf("frames=%+v, want one joined", envs)
	}
	if want := `{"session":"room","members":1,"capacity":2}`; string(envs[0].Payload) != want {
		t.Fatalf("joined payload=%s, want %s", envs[0].Payload, want)
	}
}

func TestRouterConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 5} {
		reg, r := newTestRouter(t, RouterOptions{Capacity: capacity})
		ids := make([]domain.ConnectionID, 32)
		for i := range ids {
			ids[i], _ = register(t, reg)
		}
		var ok, full atomic.Int32
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id domain.ConnectionID) {
				defer wg.Done()
				_, err := r.Join(id, "race")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, domain.ErrSessionFull):
					full.Add(1)
				default:
					t.Errorf("Join: %v", err)
				}
			}(id)
		}
		wg.Wait()
		if int(ok.Load()) != capacity || int(full.Load()) != len(ids)-capacity {
			t.Fatalf("capacity %d: ok=%d full=%d", capacity, ok.Load(), full.Load())
		}
		info, _ := r.Session("race")
		if len(info.Members) != capacity {
			t.Fatalf("members=%d, want %d", len(info.Members), capacity)
		}
	}
}

func TestRouterUnboundedCapacity(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{})
	for i := 0; i < 10; i++ {
		id, _ := register(t, reg)
		mustJoin(t, r, id, "")
	}
	info, _ := r.Session("")
	if len(info.Members) != 10 || info.Capacity != 0 {
		t.Fatalf("info=%+v, want 10 members unbounded", info)
	}
}

func TestRouterLeaveIdempotentAndDestroysEmpty(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	b, _ := register(t, reg)
	mustJoin(t, r, a, "")
	mustJoin(t, r, b, "")

	if !r.Leave(a) {
		t.Fatalf("first Leave=false")
	}
	if r.Leave(a) {
		t.Fatalf("second Leave=true")
	}
	info, ok := r.Session("")
	if !ok || len(info.Members) != 1 || info.Members[0] != b {
		t.Fatalf("after leave info=%+v,%v", info, ok)
	}
	r.Leave(b)
	if _, ok := r.Session(""); ok {
		t.Fatalf("empty session not destroyed")
	}
	if got := len(r.Sessions()); got != 0 {
		t.Fatalf("len(Sessions)=%d, want 0", got)
	}
}

func TestRouterRelayNeverEchoes(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 4})
	ids := make([]domain.ConnectionID, 4)
	recs := make([]*recorder, 4)
	for i := range ids {
		ids[i], recs[i] = register(t, reg)
		mustJoin(t, r, ids[i], "")
	}
	res := r.Relay(ids[0], msg(domain.KindOffer, `{"sdp":"x"}`))
	if res.Delivered != 3 {
		t.Fatalf("Delivered=%d, want 3", res.Delivered)
	}
	if got := len(recs[0].signals(t)); got != 0 {
		t.Fatalf("sender received %d signals", got)
	}
	for i := 1; i < 4; i++ {
		if got := len(recs[i].signals(t)); got != 1 {
			t.Fatalf("member %d received %d signals, want 1", i, got)
		}
	}
}

func TestRouterRelayIsSessionScoped(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	b, recB := register(t, reg)
	c, recC := register(t, reg)
	mustJoin(t, r, a, "one")
	mustJoin(t, r, b, "one")
	mustJoin(t, r, c, "two")

	r.Relay(a, msg(domain.KindOffer, `{}`))
	if len(recB.signals(t)) != 1 || len(recC.signals(t)) != 0 {
		t.Fatalf("B=%d C=%d, want 1,0", len(recB.signals(t)), len(recC.signals(t)))
	}
}

func TestRouterRelayOrphanIsNoop(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	res := r.Relay(a, msg(domain.KindCandidate, `{}`))
	if !res.Orphan || res.Delivered != 0 {
		t.Fatalf("RelayResult=%+v, want orphan", res)
	}
}

// The offer sent before the peer joined is handed to it on join.
func TestRouterBacklogReplaysToLateJoiner(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2, BacklogSize: 8})
	a, recA := register(t, reg)
	b, recB := register(t, reg)
	mustJoin(t, r, a, "default")

	offer := `{"sdp":"v=0..."}`
	if res := r.Relay(a, msg(domain.KindOffer, offer)); !res.Queued {
		t.Fatalf("RelayResult=%+v, want queued", res)
	}
	r.Relay(a, msg(domain.KindCandidate, `{"candidate":"1"}`))

	res := mustJoin(t, r, b, "default")
	if res.Replayed != 2 {
		t.Fatalf("Replayed=%d, want 2", res.Replayed)
	}
	all := recB.all(t)
	if len(all) != 3 || all[0].Type != protocol.KindJoined {
		t.Fatalf("B frames=%+v, want joined then backlog", all)
	}
	if all[1].Type != domain.KindOffer || string(all[1].Payload) != offer {
		t.Fatalf("B first signal=%+v, want offer %s", all[1], offer)
	}
	if all[2].Type != domain.KindCandidate {
		t.Fatalf("B second signal=%+v, want candidate", all[2])
	}
	if len(recA.signals(t)) != 0 {
		t.Fatalf("sender got its own backlog")
	}
	if info, _ := r.Session("default"); info.Backlog != 0 {
		t.Fatalf("backlog=%d after replay, want 0", info.Backlog)
	}
}

func TestRouterBacklogBoundedAndPrunedOnLeave(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2, BacklogSize: 2})
	a, _ := register(t, reg)
	mustJoin(t, r, a, "")
	for i := 0; i < 5; i++ {
		r.Relay(a, msg(domain.KindCandidate, fmt.Sprintf(`%d`, i)))
	}
	info, _ := r.Session("")
	if info.Backlog != 2 {
		t.Fatalf("Backlog=%d, want 2", info.Backlog)
	}

	b, recB := register(t, reg)
	mustJoin(t, r, b, "")
	sig := recB.signals(t)
	if len(sig) != 2 || string(sig[0].Payload) != "3" || string(sig[1].Payload) != "4" {
		t.Fatalf("replayed=%+v, want newest two", sig)
	}

	r.Leave(b)
	r.Relay(a, msg(domain.KindOffer, `{}`))
	r.Leave(a)
	c, recC := register(t, reg)
	mustJoin(t, r, c, "")
	if got := len(recC.signals(t)); got != 0 {
		t.Fatalf("C received %d signals from departed sender", got)
	}
}

func TestRouterBacklogDisabled(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, _ := register(t, reg)
	b, recB := register(t, reg)
	mustJoin(t, r, a, "")
	if res := r.Relay(a, msg(domain.KindOffer, `{}`)); res.Queued {
		t.Fatalf("queued with backlog disabled")
	}
	mustJoin(t, r, b, "")
	if got := len(recB.signals(t)); got != 0 {
		t.Fatalf("B received %d signals, want 0", got)
	}
}

// Each peer only sees the other's messages, in per-sender order.
func TestRouterInterleavedCandidatesKeepOrder(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	a, recA := register(t, reg)
	b, recB := register(t, reg)
	mustJoin(t, r, a, "")
	mustJoin(t, r, b, "")

	r.Relay(a, msg(domain.KindAnswer, `"answer"`))
	for i := 0; i < 3; i++ {
		r.Relay(b, msg(domain.KindCandidate, fmt.Sprintf(`"b%d"`, i)))
		r.Relay(a, msg(domain.KindCandidate, fmt.Sprintf(`"a%d"`, i)))
	}

	gotB := recB.signals(t)
	wantB := []string{`"answer"`, `"a0"`, `"a1"`, `"a2"`}
	if len(gotB) != len(wantB) {
		t.Fatalf("B got %d signals, want %d", len(gotB), len(wantB))
	}
	for i, w := range wantB {
		if string(gotB[i].Payload) != w {
			t.Fatalf("B[%d]=%s, want %s", i, gotB[i].Payload, w)
		}
	}
	gotA := recA.signals(t)
	wantA := []string{`"b0"`, `"b1"`, `"b2"`}
	if len(gotA) != len(wantA) {
		t.Fatalf("A got %d signals, want %d", len(gotA), len(wantA))
	}
	for i, w := range wantA {
		if string(gotA[i].Payload) != w {
			t.Fatalf("A[%d]=%s, want %s", i, gotA[i].Payload, w)
		}
	}
}

func TestRouterOrderingUnderConcurrentSenders(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 3})
	a, _ := register(t, reg)
	b, _ := register(t, reg)
	c, recC := register(t, reg)
	mustJoin(t, r, a, "")
	mustJoin(t, r, b, "")
	mustJoin(t, r, c, "")

	const n = 200
	var wg sync.WaitGroup
	for _, sender := range []domain.ConnectionID{a, b} {
		wg.Add(1)
		go func(sender domain.ConnectionID) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				r.Relay(sender, msg(domain.KindCandidate, fmt.Sprintf(`{"from":%q,"seq":%d}`, sender, i)))
			}
		}(sender)
	}
	wg.Wait()

	next := map[string]int{}
	for _, env := range recC.signals(t) {
		var p struct {
			From string `json:"from"`
			Seq  int    `json:"seq"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("Unmarshal(%s): %v", env.Payload, err)
		}
		if p.Seq != next[p.From] {
			t.Fatalf("from %s seq=%d, want %d", p.From, p.Seq, next[p.From])
		}
		next[p.From]++
	}
	if next[string(a)] != n || next[string(b)] != n {
		t.Fatalf("received=%v, want %d each", next, n)
	}
}

// A dropped transport yields ConnectionGone internally only.
func TestRouterRelayToGoneMember(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 3})
	a, _ := register(t, reg)
	b, _ := register(t, reg)
	c, recC := register(t, reg)
	mustJoin(t, r, a, "")
	mustJoin(t, r, b, "")
	mustJoin(t, r, c, "")

	// Registry and router are not wired here, so A lingers as a member.
	reg.Unregister(a)

	res := r.Relay(b, msg(domain.KindCandidate, `{}`))
	if len(res.Gone) != 1 || res.Gone[0] != a {
		t.Fatalf("Gone=%v, want [%s]", res.Gone, a)
	}
	if res.Delivered != 1 || len(recC.signals(t)) != 1 {
		t.Fatalf("Delivered=%d, want 1", res.Delivered)
	}
}

func TestRouterBackpressurePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy     Policy
		wantClosed bool
	}{
		{DropPolicy{}, false},
		{KickPolicy{}, true},
	} {
		reg, r := newTestRouter(t, RouterOptions{Capacity: 2, Policy: tc.policy})
		a, _ := register(t, reg)
		slow := &recorder{limit: 1}
		b, err := reg.Register(slow, "")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		mustJoin(t, r, a, "")
		mustJoin(t, r, b, "") // the joined ack fills the queue

		res := r.Relay(a, msg(domain.KindOffer, `{}`))
		if len(res.Dropped) != 1 || res.Dropped[0] != b {
			t.Fatalf("Dropped=%v, want [%s]", res.Dropped, b)
		}
		if slow.isClosed() != tc.wantClosed {
			t.Fatalf("%T: closed=%v, want %v", tc.policy, slow.isClosed(), tc.wantClosed)
		}
	}
}

func TestRouterSessionsSnapshot(t *testing.T) {
	reg, r := newTestRouter(t, RouterOptions{Capacity: 2})
	for _, key := range []domain.SessionKey{"b", "a", "c"} {
		id, _ := register(t, reg)
		mustJoin(t, r, id, key)
	}
	got := r.Sessions()
	if len(got) != 3 || got[0].Key != "a" || got[1].Key != "b" || got[2].Key != "c" {
		t.Fatalf("Sessions=%+v, want sorted a,b,c", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Fatalf("CreatedAt unset")
	}
}

func TestParsePolicy(t *testing.T) {
	for name, want := range map[string]Policy{"": DropPolicy{}, "drop": DropPolicy{}, "kick": KickPolicy{}} {
		got, err := ParsePolicy(name)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q)=%v,%v, want %v", name, got, err, want)
		}
	}
	if _, err := ParsePolicy("explode"); err == nil {
		t.Fatalf("ParsePolicy(explode) err=nil")
	}
}
