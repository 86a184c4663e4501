package registry

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/pushreg/internal/subscription"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type modeFunc func(store Store) *Registry

// modes runs each test against a registry with and without the cache; both
// must give the same answers.
func modes() map[string]modeFunc {
	return map[string]modeFunc{
		"store": func(s Store) *Registry { return New(s, zap.NewNop()) },
		"cache": func(s Store) *Registry { return New(s, zap.NewNop(), WithCache()) },
	}
}

func newSub(ctx, user int, token, client string, topics ...string) *subscription.Subscription {
	return &subscription.Subscription{
		ContextID:   ctx,
		UserID:      user,
		Token:       token,
		Client:      client,
		TransportID: "push",
		Topics:      topics,
	}
}

func mustRegister(t *testing.T, r *Registry, sub *subscription.Subscription) {
	t.Helper()
	res, err := r.Register(context.Background(), sub)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if res.Status != subscription.StatusOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
}

func mustHas(t *testing.T, r *Registry, client string, user, ctx int, topic string) bool {
	t.Helper()
	ok, err := r.HasInterestedSubscriptions(context.Background(), client, user, ctx, topic)
	if err != nil {
		t.Fatalf("HasInterestedSubscriptions failed: %v", err)
	}
	return ok
}

func TestRegistry_ExampleScenario(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()

			sub := newSub(1, 42, "abc", "app", "ox:mail:*")
			mustRegister(t, r, sub)

			if !mustHas(t, r, "app", 42, 1, "ox:mail:new") {
				t.Error("expected interest in ox:mail:new")
			}
			if mustHas(t, r, "app", 42, 1, "ox:calendar:new") {
				t.Error("did not expect interest in ox:calendar:new")
			}

			removed, err := r.Unregister(ctx, newSub(1, 42, "abc", "app"))
			if err != nil {
				t.Fatalf("Unregister failed: %v", err)
			}
			if !removed {
				t.Fatal("expected subscription to be removed")
			}

			if mustHas(t, r, "app", 42, 1, "ox:mail:new") {
				t.Error("expected no interest after unregister")
			}
		})
	}
}

func TestRegistry_ExactMatch(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:new"))

			if !mustHas(t, r, "app", 1, 1, "ox:mail:new") {
				t.Error("expected exact topic to match")
			}
			for _, topic := range []string{"ox:mail:deleted", "ox:mail", "ox:mail:new:x"} {
				if mustHas(t, r, "app", 1, 1, topic) {
					t.Errorf("did not expect %q to match", topic)
				}
			}
		})
	}
}

func TestRegistry_PrefixMatch(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))

			for _, topic := range []string{"ox:mail:new", "ox:mail:deleted"} {
				if !mustHas(t, r, "app", 1, 1, topic) {
					t.Errorf("expected %q to match", topic)
				}
			}
			if mustHas(t, r, "app", 1, 1, "ox:calendar:new") {
				t.Error("did not expect ox:calendar:new to match")
			}
		})
	}
}

func TestRegistry_AllFlag(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			store := NewMemory(nil)
			r := mode(store)
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:new", "*"))

			for _, topic := range []string{"ox:mail:new", "ox:calendar:changed", "anything"} {
				if !mustHas(t, r, "app", 1, 1, topic) {
					t.Errorf("expected %q to match all-flag subscription", topic)
				}
			}

			subs, err := r.LoadSubscriptions(context.Background(), 1, 1)
			if err != nil {
				t.Fatalf("LoadSubscriptions failed: %v", err)
			}
			if len(subs) != 1 || !reflect.DeepEqual(subs[0].Topics, []string{"*"}) {
				t.Errorf("expected only the all-flag to be stored, got %+v", subs)
			}
		})
	}
}

func TestRegistry_ClientFilter(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "tok", "web", "ox:mail:*"))

			if mustHas(t, r, "app", 1, 1, "ox:mail:new") {
				t.Error("other client must not match")
			}
			if !mustHas(t, r, "", 1, 1, "ox:mail:new") {
				t.Error("empty client should match any client")
			}
		})
	}
}

func TestRegistry_IdempotentReRegistration(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()

			first := newSub(1, 1, "tok", "app", "ox:mail:*")
			mustRegister(t, r, first)
			// Prime the cache so the re-registration has something to invalidate.
			mustHas(t, r, "app", 1, 1, "ox:mail:new")

			second := newSub(1, 1, "tok", "app", "ox:calendar:new", "ox:drive:*")
			mustRegister(t, r, second)

			if first.ID != second.ID {
				t.Errorf("re-registration should keep the id: %s != %s", first.ID, second.ID)
			}

			subs, err := r.LoadSubscriptions(ctx, 1, 1)
			if err != nil {
				t.Fatalf("LoadSubscriptions failed: %v", err)
			}
			if len(subs) != 1 {
				t.Fatalf("expected 1 subscription, got %d", len(subs))
			}
			if want := []string{"ox:calendar:new", "ox:drive:*"}; !reflect.DeepEqual(subs[0].Topics, want) {
				t.Errorf("topics = %v, want %v", subs[0].Topics, want)
			}
			if mustHas(t, r, "app", 1, 1, "ox:mail:new") {
				t.Error("old topics must be gone")
			}
			if !mustHas(t, r, "app", 1, 1, "ox:drive:shared") {
				t.Error("new prefix should match")
			}
		})
	}
}

func TestRegistry_CrossTenantConflict(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()

			mustRegister(t, r, newSub(1, 1, "tok1", "app", "ox:mail:*"))

			res, err := r.Register(ctx, newSub(1, 2, "tok1", "app", "ox:calendar:*"))
			if err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if res.Status != subscription.StatusConflictingUser {
				t.Fatalf("expected conflict, got %s", res.Status)
			}
			if res.OwnerUserID != 1 || res.OwnerContextID != 1 {
				t.Errorf("conflict should reference owner (1,1), got (%d,%d)", res.OwnerUserID, res.OwnerContextID)
			}

			subs, _ := r.LoadSubscriptions(ctx, 1, 1)
			if len(subs) != 1 || !reflect.DeepEqual(subs[0].Topics, []string{"ox:mail:*"}) {
				t.Errorf("first registration must be unchanged, got %+v", subs)
			}
			subs, _ = r.LoadSubscriptions(ctx, 2, 1)
			if len(subs) != 0 {
				t.Errorf("conflicting user must not be stored, got %+v", subs)
			}
		})
	}
}

func TestRegistry_InvalidTopic(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			_, err := r.Register(context.Background(), newSub(1, 1, "tok", "app", "ox:mail:new", "ox::bad"))
			if !errors.Is(err, subscription.ErrInvalidTopic) {
				t.Fatalf("expected ErrInvalidTopic, got %v", err)
			}
			subs, _ := r.LoadSubscriptions(context.Background(), 1, 1)
			if len(subs) != 0 {
				t.Error("nothing should be stored for an invalid registration")
			}
		})
	}
}

func TestRegistry_ExpiryExclusion(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()

			past := time.Now().Add(-time.Hour)
			future := time.Now().Add(time.Hour)

			expired := newSub(1, 1, "old", "app", "ox:mail:*")
			expired.Expires = &past
			mustRegister(t, r, expired)

			live := newSub(1, 1, "new", "app", "ox:mail:*")
			live.Expires = &future
			mustRegister(t, r, live)

			groups, err := r.GetInterestedSubscriptions(ctx, "app", []int{1}, 1, "ox:mail:new")
			if err != nil {
				t.Fatalf("GetInterestedSubscriptions failed: %v", err)
			}
			if groups.Len() != 1 {
				t.Fatalf("expected 1 live match, got %d", groups.Len())
			}
			for _, matches := range groups {
				if matches[0].Token != "new" {
					t.Errorf("expected live token, got %q", matches[0].Token)
				}
			}

			subs, err := r.LoadSubscriptions(ctx, 1, 1)
			if err != nil {
				t.Fatalf("LoadSubscriptions failed: %v", err)
			}
			if len(subs) != 1 || subs[0].Token != "new" {
				t.Errorf("expired subscription should be gone, got %+v", subs)
			}
		})
	}
}

func TestRegistry_HasIgnoresExpired(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			past := time.Now().Add(-time.Minute)
			sub := newSub(1, 1, "tok", "app", "*")
			sub.Expires = &past
			mustRegister(t, r, sub)

			if mustHas(t, r, "app", 1, 1, "ox:mail:new") {
				t.Error("expired subscription must not count as interested")
			}
		})
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			sub := newSub(3, 7, "tok", "app", "ox:mail:*", "ox:calendar:new")
			sub.TransportID = "apns"
			mustRegister(t, r, sub)

			subs, err := r.LoadSubscriptions(context.Background(), 7, 3)
			if err != nil {
				t.Fatalf("LoadSubscriptions failed: %v", err)
			}
			if len(subs) != 1 {
				t.Fatalf("expected 1 subscription, got %d", len(subs))
			}
			got := subs[0]
			if got.Token != "tok" || got.Client != "app" || got.TransportID != "apns" {
				t.Errorf("unexpected subscription: %+v", got)
			}
			want := []string{"ox:calendar:new", "ox:mail:*"}
			topics := append([]string(nil), got.Topics...)
			sort.Strings(topics)
			if !reflect.DeepEqual(topics, want) {
				t.Errorf("topics = %v, want %v", topics, want)
			}
		})
	}
}

func TestRegistry_GetGroupsByClientAndTransport(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "a", "app", "ox:mail:*"))
			mustRegister(t, r, newSub(1, 2, "b", "app", "ox:mail:new"))
			web := newSub(1, 2, "c", "web", "*")
			web.TransportID = "websocket"
			mustRegister(t, r, web)
			mustRegister(t, r, newSub(1, 3, "d", "app", "ox:calendar:*"))
			mustRegister(t, r, newSub(2, 1, "e", "app", "*"))

			groups, err := r.GetInterestedSubscriptions(context.Background(), "", []int{1, 2, 3, 2}, 1, "ox:mail:new")
			if err != nil {
				t.Fatalf("GetInterestedSubscriptions failed: %v", err)
			}

			app := groups[subscription.ClientAndTransport{Client: "app", TransportID: "push"}]
			if len(app) != 2 {
				t.Fatalf("expected 2 app matches, got %d", len(app))
			}
			topics := map[string]string{}
			for _, m := range app {
				topics[m.Token] = m.Topic
			}
			if topics["a"] != "ox:mail:*" || topics["b"] != "ox:mail:new" {
				t.Errorf("unexpected matched topics: %v", topics)
			}

			ws := groups[subscription.ClientAndTransport{Client: "web", TransportID: "websocket"}]
			if len(ws) != 1 || ws[0].Topic != "*" {
				t.Errorf("expected one all-flag websocket match, got %+v", ws)
			}
			if groups.Len() != 3 {
				t.Errorf("expected 3 matches in total, got %d", groups.Len())
			}
		})
	}
}

func TestRegistry_GetEmptyUsers(t *testing.T) {
	r := New(NewMemory(nil), zap.NewNop(), WithCache())
	groups, err := r.GetInterestedSubscriptions(context.Background(), "app", nil, 1, "ox:mail:new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if groups.Len() != 0 {
		t.Error("expected no matches")
	}
}

func TestRegistry_UnregisterWithoutClient(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
			mustRegister(t, r, newSub(1, 1, "tok", "web", "ox:mail:*"))

			removed, err := r.Unregister(context.Background(), newSub(1, 1, "tok", ""))
			if err != nil || !removed {
				t.Fatalf("expected removal, got %v, %v", removed, err)
			}
			if mustHas(t, r, "", 1, 1, "ox:mail:new") {
				t.Error("all clients of the token should be gone")
			}

			removed, err = r.Unregister(context.Background(), newSub(1, 1, "tok", ""))
			if err != nil || removed {
				t.Errorf("second unregister should find nothing, got %v, %v", removed, err)
			}
		})
	}
}

func TestRegistry_UnregisterByTokenAndTransport(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
			mustRegister(t, r, newSub(2, 5, "tok", "web", "ox:mail:*"))
			mustRegister(t, r, newSub(1, 2, "other", "app", "ox:mail:*"))

			mustHas(t, r, "", 1, 1, "ox:mail:new")
			mustHas(t, r, "", 5, 2, "ox:mail:new")

			n, err := r.UnregisterByTokenAndTransport(context.Background(), "tok", "push")
			if err != nil {
				t.Fatalf("UnregisterByTokenAndTransport failed: %v", err)
			}
			if n != 2 {
				t.Errorf("expected 2 removed, got %d", n)
			}
			if mustHas(t, r, "", 1, 1, "ox:mail:new") || mustHas(t, r, "", 5, 2, "ox:mail:new") {
				t.Error("swept token must no longer match")
			}
			if !mustHas(t, r, "", 2, 1, "ox:mail:new") {
				t.Error("other tokens must survive")
			}
		})
	}
}

func TestRegistry_UpdateToken(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()
			mustRegister(t, r, newSub(1, 1, "old", "app", "ox:mail:*"))
			mustHas(t, r, "app", 1, 1, "ox:mail:new")

			ok, err := r.UpdateToken(ctx, newSub(1, 1, "old", "app"), "new")
			if err != nil || !ok {
				t.Fatalf("expected token update, got %v, %v", ok, err)
			}

			groups, err := r.GetInterestedSubscriptions(ctx, "app", []int{1}, 1, "ox:mail:new")
			if err != nil {
				t.Fatalf("GetInterestedSubscriptions failed: %v", err)
			}
			for _, matches := range groups {
				if len(matches) != 1 || matches[0].Token != "new" {
					t.Errorf("expected new token, got %+v", matches)
				}
			}

			ok, err = r.UpdateToken(ctx, newSub(1, 1, "missing", "app"), "x")
			if err != nil || ok {
				t.Errorf("updating an unknown token should report false, got %v, %v", ok, err)
			}
		})
	}
}

// TestRegistry_CacheEquivalence replays one operation sequence against both
// modes and compares every read.
func TestRegistry_CacheEquivalence(t *testing.T) {
	ctx := context.Background()
	plain := New(NewMemory(nil), zap.NewNop())
	cached := New(NewMemory(nil), zap.NewNop(), WithCache())

	type step struct {
		register   *subscription.Subscription
		unregister *subscription.Subscription
	}
	steps := []step{
		{register: newSub(1, 1, "a", "app", "ox:mail:*")},
		{register: newSub(1, 1, "b", "web", "ox:calendar:new")},
		{register: newSub(1, 2, "c", "app", "*")},
		{register: newSub(1, 1, "a", "app", "ox:drive:*")},
		{unregister: newSub(1, 1, "b", "web")},
		{register: newSub(1, 3, "a", "app", "ox:mail:*")},
		{unregister: newSub(1, 2, "c", "")},
	}
	topics := []string{"ox:mail:new", "ox:calendar:new", "ox:drive:x", "misc"}

	compare := func(i int) {
		for _, topic := range topics {
			for _, user := range []int{1, 2, 3} {
				a := mustHas(t, plain, "", user, 1, topic)
				b := mustHas(t, cached, "", user, 1, topic)
				if a != b {
					t.Errorf("step %d: has(%d,%q) differs: store=%v cache=%v", i, user, topic, a, b)
				}
			}
			ga, err := plain.GetInterestedSubscriptions(ctx, "", []int{1, 2, 3}, 1, topic)
			if err != nil {
				t.Fatal(err)
			}
			gb, err := cached.GetInterestedSubscriptions(ctx, "", []int{1, 2, 3}, 1, topic)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(summarize(ga), summarize(gb)) {
				t.Errorf("step %d: get(%q) differs: store=%v cache=%v", i, topic, summarize(ga), summarize(gb))
			}
		}
	}

	for i, s := range steps {
		for _, r := range []*Registry{plain, cached} {
			if s.register != nil {
				cp := *s.register
				if _, err := r.Register(ctx, &cp); err != nil {
					t.Fatal(err)
				}
			}
			if s.unregister != nil {
				cp := *s.unregister
				if _, err := r.Unregister(ctx, &cp); err != nil {
					t.Fatal(err)
				}
			}
		}
		compare(i)
	}
}

func summarize(groups subscription.MatchGroups) []string {
	var out []string
	for key, matches := range groups {
		for _, m := range matches {
			out = append(out, key.Client+"/"+key.TransportID+"/"+m.Token+"/"+m.Topic)
		}
	}
	sort.Strings(out)
	return out
}

func TestRegistry_ConcurrentReadsAndWrites(t *testing.T) {
	r := New(NewMemory(nil), zap.NewNop(), WithCache())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = r.HasInterestedSubscriptions(ctx, "app", 1, 1, "ox:mail:new")
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = r.Register(ctx, newSub(1, 1, "tok", "app", "ox:calendar:*"))
			}
		}(i)
	}
	wg.Wait()

	mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
	if !mustHas(t, r, "app", 1, 1, "ox:mail:new") {
		t.Error("read after the last write must see it")
	}
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	drops   [][2]int
	clears  int
	failErr error
}

func (b *recordingBroadcaster) Drop(_ context.Context, userID, contextID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops = append(b.drops, [2]int{userID, contextID})
	return b.failErr
}

func (b *recordingBroadcaster) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	return b.failErr
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []Event
	failErr error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.failErr
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestRegistry_BroadcastsAndEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	p := &recordingPublisher{}
	r := New(NewMemory(nil), zap.NewNop(), WithCache(), WithBroadcaster(b), WithEvents(p))
	ctx := context.Background()

	mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
	if _, err := r.UpdateToken(ctx, newSub(1, 1, "tok", "app"), "tok2"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Unregister(ctx, newSub(1, 1, "tok2", "app")); err != nil {
		t.Fatal(err)
	}
	mustRegister(t, r, newSub(2, 9, "x", "app", "*"))
	if _, err := r.UnregisterByTokenAndTransport(ctx, "x", "push"); err != nil {
		t.Fatal(err)
	}

	want := []string{EventRegistered, EventTokenUpdated, EventUnregistered, EventRegistered, EventTokenRemoved}
	if got := p.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if len(b.drops) != 4 {
		t.Errorf("expected 4 broadcast drops, got %d", len(b.drops))
	}
	if b.clears != 1 {
		t.Errorf("expected 1 broadcast clear, got %d", b.clears)
	}
}

func TestRegistry_ConflictPublishesNothing(t *testing.T) {
	p := &recordingPublisher{}
	r := New(NewMemory(nil), zap.NewNop(), WithEvents(p))
	mustRegister(t, r, newSub(1, 1, "tok", "app", "*"))

	res, err := r.Register(context.Background(), newSub(1, 2, "tok", "app", "*"))
	if err != nil || res.Status != subscription.StatusConflictingUser {
		t.Fatalf("expected conflict, got %+v, %v", res, err)
	}
	if len(p.types()) != 1 {
		t.Errorf("conflict must not publish, got %v", p.types())
	}
}

func TestRegistry_CollaboratorFailuresAreNotFatal(t *testing.T) {
	b := &recordingBroadcaster{failErr: errors.New("redis down")}
	p := &recordingPublisher{failErr: errors.New("sns down")}
	r := New(NewMemory(nil), zap.NewNop(), WithCache(), WithBroadcaster(b), WithEvents(p))

	mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
	if !mustHas(t, r, "app", 1, 1, "ox:mail:new") {
		t.Error("registration should be visible despite collaborator failures")
	}
}

// failingStore wraps Memory and fails selected operations.
type failingStore struct {
	*Memory
	failRegister      bool
	failLoad          bool
	failRemoveExpired bool
	// partialRemoveToken deletes through Memory and then reports a failure,
	// like a store that gave up halfway through its partitions.
	partialRemoveToken bool
}

var errBackend = errors.New("connection refused")

func storageErr(op string) error {
	return errors.Join(subscription.ErrStorage, errors.New(op), errBackend)
}

func (f *failingStore) RegisterSubscription(ctx context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error) {
	if f.failRegister {
		return subscription.RegisterResult{}, storageErr("register")
	}
	return f.Memory.RegisterSubscription(ctx, sub)
}

func (f *failingStore) LoadSubscriptionsFor(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error) {
	if f.failLoad {
		return nil, storageErr("load")
	}
	return f.Memory.LoadSubscriptionsFor(ctx, userID, contextID)
}

func (f *failingStore) RemoveExpired(ctx context.Context, contextID int, id uuid.UUID, now time.Time) (*subscription.Subscription, error) {
	if f.failRemoveExpired {
		return nil, storageErr("remove expired")
	}
	return f.Memory.RemoveExpired(ctx, contextID, id, now)
}

func (f *failingStore) RemoveByTokenAndTransport(ctx context.Context, token, transportID string) (int, error) {
	n, err := f.Memory.RemoveByTokenAndTransport(ctx, token, transportID)
	if err == nil && f.partialRemoveToken {
		err = storageErr("remove token")
	}
	return n, err
}

func TestRegistry_StorageErrorPropagates(t *testing.T) {
	store := &failingStore{Memory: NewMemory(nil), failRegister: true}
	r := New(store, zap.NewNop())

	_, err := r.Register(context.Background(), newSub(1, 1, "tok", "app", "*"))
	if !errors.Is(err, subscription.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestRegistry_CacheLoadFailureFallsBackToStore(t *testing.T) {
	store := &failingStore{Memory: NewMemory(nil)}
	r := New(store, zap.NewNop(), WithCache())
	mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))

	store.failLoad = true
	if !mustHas(t, r, "app", 1, 1, "ox:mail:new") {
		t.Error("expected store fallback to find the subscription")
	}
	groups, err := r.GetInterestedSubscriptions(context.Background(), "app", []int{1}, 1, "ox:mail:new")
	if err != nil {
		t.Fatalf("GetInterestedSubscriptions failed: %v", err)
	}
	if groups.Len() != 1 {
		t.Errorf("expected 1 match from fallback, got %d", groups.Len())
	}
}

func TestRegistry_SweepFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &failingStore{Memory: NewMemory(nil)}
	r := New(store, zap.New(core))

	past := time.Now().Add(-time.Hour)
	sub := newSub(1, 1, "tok", "app", "*")
	sub.Expires = &past
	mustRegister(t, r, sub)

	store.failRemoveExpired = true
	groups, err := r.GetInterestedSubscriptions(context.Background(), "app", []int{1}, 1, "ox:mail:new")
	if err != nil {
		t.Fatalf("sweep failure must not fail the read: %v", err)
	}
	if groups.Len() != 0 {
		t.Error("expired subscription must be excluded even when the sweep fails")
	}
	if logs.FilterMessage("failed to remove expired subscription").Len() != 1 {
		t.Errorf("expected sweep failure to be logged, got %v", logs.All())
	}

	store.failRemoveExpired = false
	subs, _ := store.LoadSubscriptionsFor(context.Background(), 1, 1)
	if len(subs) != 1 {
		t.Errorf("row should still be present after a failed sweep, got %d", len(subs))
	}
}

func TestRegistry_PartialTokenRemovalClearsCaches(t *testing.T) {
	b := &recordingBroadcaster{}
	store := &failingStore{Memory: NewMemory(nil), partialRemoveToken: true}
	r := New(store, zap.NewNop(), WithCache(), WithBroadcaster(b))
	ctx := context.Background()

	mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))
	if !mustHas(t, r, "app", 1, 1, "ox:mail:new") {
		t.Fatal("expected interest before removal")
	}
	if !r.Cache().Cached(1, 1) {
		t.Fatal("expected collection to be cached")
	}

	n, err := r.UnregisterByTokenAndTransport(ctx, "tok", "push")
	if !errors.Is(err, subscription.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected partial count 1, got %d", n)
	}
	if r.Cache().Cached(1, 1) {
		t.Error("cache must be cleared after a partial removal")
	}
	if mustHas(t, r, "app", 1, 1, "ox:mail:new") {
		t.Error("removed token must not match after a partial removal")
	}
	if b.clears != 1 {
		t.Errorf("expected 1 broadcast clear, got %d", b.clears)
	}
}

func TestRegistry_SweepSparesLiveSiblings(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()

			past := time.Now().Add(-time.Hour)
			expired := newSub(1, 1, "tok", "", "ox:mail:*")
			expired.Expires = &past
			mustRegister(t, r, expired)
			mustRegister(t, r, newSub(1, 1, "tok", "app", "ox:mail:*"))

			groups, err := r.GetInterestedSubscriptions(ctx, "", []int{1}, 1, "ox:mail:new")
			if err != nil {
				t.Fatalf("GetInterestedSubscriptions failed: %v", err)
			}
			if groups.Len() != 1 {
				t.Errorf("expected only the live subscription, got %d groups", groups.Len())
			}

			subs, err := r.LoadSubscriptions(ctx, 1, 1)
			if err != nil {
				t.Fatalf("LoadSubscriptions failed: %v", err)
			}
			if len(subs) != 1 || subs[0].Client != "app" {
				t.Fatalf("expected the live app subscription to survive, got %+v", subs)
			}
		})
	}
}

func TestRegistry_UpdateTokenInUse(t *testing.T) {
	for name, mode := range modes() {
		t.Run(name, func(t *testing.T) {
			r := mode(NewMemory(nil))
			ctx := context.Background()
			mustRegister(t, r, newSub(1, 1, "tok1", "app", "ox:mail:*"))
			mustRegister(t, r, newSub(2, 2, "tok2", "app", "ox:mail:*"))
			mustRegister(t, r, newSub(2, 2, "tok3", "app", "ox:mail:*"))

			for _, token := range []string{"tok1", "tok3"} {
				ok, err := r.UpdateToken(ctx, newSub(2, 2, "tok2", "app"), token)
				if !errors.Is(err, subscription.ErrTokenInUse) {
					t.Errorf("update to %s: expected ErrTokenInUse, got %v", token, err)
				}
				if ok {
					t.Errorf("update to %s must not report success", token)
				}
			}

			subs, err := r.LoadSubscriptions(ctx, 1, 1)
			if err != nil || len(subs) != 1 || subs[0].Token != "tok1" {
				t.Errorf("owner of tok1 must be untouched, got %+v, %v", subs, err)
			}
			subs, err = r.LoadSubscriptions(ctx, 2, 2)
			if err != nil {
				t.Fatal(err)
			}
			tokens := []string{}
			for _, s := range subs {
				tokens = append(tokens, s.Token)
			}
			sort.Strings(tokens)
			if !reflect.DeepEqual(tokens, []string{"tok2", "tok3"}) {
				t.Errorf("expected tokens unchanged, got %v", tokens)
			}

			// Another client of the same token is a different registration.
			mustRegister(t, r, newSub(2, 2, "tok4", "web", "*"))
			ok, err := r.UpdateToken(ctx, newSub(2, 2, "tok4", "web"), "tok1")
			if err != nil || !ok {
				t.Errorf("expected update for another client to succeed, got %v, %v", ok, err)
			}
		})
	}
}
