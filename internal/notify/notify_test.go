package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftwatch/internal/cache"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/storage"
	"github.com/kalambet/driftwatch/internal/storage/storagetest"
)

type mockMailer struct {
	sent []Message
	err  error
}

func (m *mockMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fixture struct {
	svc    *Service
	st     *storage.Store
	seed   *storagetest.Seeder
	mailer *mockMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storagetest.Open(t)
	seed := storagetest.NewSeeder(t, st)
	seed.Project("proj", "ws")
	m := &mockMailer{}
	svc := NewService(st, jobs.NewBus(st, nil), NewRateLimiter(cache.NewMemory(), 0, 0), m)
	return &fixture{svc: svc, st: st, seed: seed, mailer: m}
}

func (f *fixture) prefer(t *testing.T, user, key string, mode storage.PreferenceMode) {
	t.Helper()
	require.NoError(t, f.st.SetPreference(context.Background(), user, key, mode))
}

func (f *fixture) emailJobs(t *testing.T) []jobs.EmailPayload {
	t.Helper()
	js, err := f.st.ListJobs(context.Background(), jobs.EmailSend)
	require.NoError(t, err)
	out := make([]jobs.EmailPayload, len(js))
	for i, j := range js {
		out[i], err = jobs.Decode[jobs.EmailPayload](j)
		require.NoError(t, err)
	}
	return out
}

func (f *fixture) inbox(t *testing.T, user string) []storage.Notification {
	t.Helper()
	ns, err := f.svc.ListForUser(context.Background(), user, false, 100)
	require.NoError(t, err)
	return ns
}

var sample = Event{
	WorkspaceID:   "ws",
	Type:          TypeImpact,
	Title:         "Moderate change in Checkout",
	Body:          "The export schedule changed.",
	Link:          "/packs/p1/impacts",
	RelatedIDs:    []string{"ci1", "p1"},
	PreferenceKey: PrefImpact,
}

func TestFanout_Preferences(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"ana", "ben", "cy"} {
		f.seed.Member("ws", u)
	}
	f.prefer(t, "ben", PrefImpact, storage.PreferenceDisabled)
	f.prefer(t, "cy", PrefImpact, storage.PreferenceImmediate)
	f.prefer(t, "ana", PrefConflict, storage.PreferenceDisabled)

	res, err := f.svc.Fanout(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{Notified: 2, Emailed: 1}, res)

	assert.Len(t, f.inbox(t, "ana"), 1)
	assert.Empty(t, f.inbox(t, "ben"))
	got := f.inbox(t, "cy")
	require.Len(t, got, 1)
	assert.Equal(t, sample.Title, got[0].Title)
	assert.Equal(t, []string{"ci1", "p1"}, got[0].RelatedIDs)
	assert.Nil(t, got[0].ReadAt)

	emails := f.emailJobs(t)
	require.Len(t, emails, 1)
	assert.Equal(t, "cy@example.com", emails[0].To)
	assert.Equal(t, got[0].ID, emails[0].NotificationID)
}

func TestFanout_EleventhImmediateEmailDropped(t *testing.T) {
	f := newFixture(t)
	f.seed.Member("ws", "cy")
	f.prefer(t, "cy", PrefImpact, storage.PreferenceImmediate)
	ctx := context.Background()

	for i := 0; i < DefaultEmailLimit; i++ {
		res, err := f.svc.Fanout(ctx, sample)
		require.NoError(t, err)
		require.Equal(t, 1, res.Emailed)
	}
	res, err := f.svc.Fanout(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{Notified: 1, RateLimited: 1}, res)

	assert.Len(t, f.inbox(t, "cy"), DefaultEmailLimit+1)
	assert.Len(t, f.emailJobs(t), DefaultEmailLimit)
}

// brokenCounter fails every increment.
type brokenCounter struct {
	cache.Counter
	calls int
}

func (b *brokenCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	b.calls++
	return 0, errors.New("cache unavailable")
}

func TestFanout_CounterFailureKeepsInAppNotifications(t *testing.T) {
	f := newFixture(t)
	counter := &brokenCounter{Counter: cache.NewMemory()}
	f.svc.limiter = NewRateLimiter(counter, 0, 0)
	f.seed.Member("ws", "ana")
	f.seed.Member("ws", "ben")
	f.prefer(t, "ana", PrefImpact, storage.PreferenceImmediate)

	res, err := f.svc.Fanout(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{Notified: 2}, res)
	assert.Equal(t, 1, counter.calls)

	assert.Len(t, f.inbox(t, "ana"), 1)
	assert.Len(t, f.inbox(t, "ben"), 1)
	assert.Empty(t, f.emailJobs(t))
}

func TestFanout_NoMembers(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Fanout(context.Background(), sample)
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(cache.NewMemory(), 2, 0)
	ctx := context.Background()
	require.NoError(t, r.Allow(ctx, "u"))
	require.NoError(t, r.Allow(ctx, "u"))
	assert.ErrorIs(t, r.Allow(ctx, "u"), ErrRateLimited)
	assert.NoError(t, r.Allow(ctx, "v"))
}

func TestHandleEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := jobs.NewBus(f.st, nil)
	job, _, err := bus.Enqueue(ctx, jobs.Event{Name: jobs.EmailSend, Payload: jobs.EmailPayload{
		NotificationID: "n1", To: "cy@example.com", Subject: "s", Body: "b",
	}})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleEmail(ctx, job))
	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, Message{To: "cy@example.com", Subject: "s", Body: "b"}, f.mailer.sent[0])

	f.mailer.err = errors.New("relay down")
	assert.ErrorContains(t, f.svc.HandleEmail(ctx, job), "relay down")

	empty, _, err := bus.Enqueue(ctx, jobs.Event{Name: jobs.EmailSend, Payload: jobs.EmailPayload{NotificationID: "n2"}})
	require.NoError(t, err)
	_, skipped := jobs.SkipReason(f.svc.HandleEmail(ctx, empty))
	assert.True(t, skipped)
}

func TestWebhookMailer(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "bounce@example.com" {
			http.Error(w, "mailbox unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewWebhookMailer(srv.URL, 0)
	msg := Message{To: "cy@example.com", Subject: "Pack degraded", Body: "Score 52", Link: "/packs/p1/health"}
	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, msg, got)

	err := m.Send(context.Background(), Message{To: "bounce@example.com"})
	assert.ErrorContains(t, err, "502")
	assert.ErrorContains(t, err, "mailbox unavailable")
}

func TestHandleImpact(t *testing.T) {
	f := newFixture(t)
	f.seed.Member("ws", "ana")
	f.seed.Source("doc", "proj", "Exports run nightly.")
	f.seed.Pack("pack", "proj", "doc")
	ctx := context.Background()
	require.NoError(t, f.st.InsertImpact(ctx, storage.ChangeImpact{
		ID: "ci1", SourceID: "doc", PackID: "pack", SourceVersionID: "doc-v3", PreviousVersionID: "doc-v2",
		AffectedStoryIDs: []string{"s1"}, AffectedCriterionIDs: []string{"ac1", "ac2"},
		RemovedCount: 1, Severity: storage.SeverityModerate,
	}))
	bus := jobs.NewBus(f.st, nil)
	job, _, err := bus.Enqueue(ctx, jobs.Event{Name: jobs.NotifyImpact, Payload: jobs.ImpactPayload{ImpactID: "ci1"}})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleImpact(ctx, job))
	got := f.inbox(t, "ana")
	require.Len(t, got, 1)
	assert.Equal(t, TypeImpact, got[0].Type)
	assert.Equal(t, "Moderate change in pack", got[0].Title)
	assert.Equal(t, "doc affects 1 stories and 2 acceptance criteria.", got[0].Body)
	assert.Equal(t, "/packs/pack/impacts", got[0].Link)
	assert.Equal(t, []string{"ci1", "pack", "doc"}, got[0].RelatedIDs)
}

func TestHandleConflictAndHealth(t *testing.T) {
	f := newFixture(t)
	f.seed.Member("ws", "ana")
	f.seed.Pack("pack", "proj")
	ctx := context.Background()
	require.NoError(t, f.st.InsertConflict(ctx, storage.EvidenceConflict{
		ID: "cf1", ProjectID: "proj", ChunkAID: "b-c0", ChunkBID: "a-c0", Summary: "nightly vs hourly", Confidence: 0.8,
	}))
	bus := jobs.NewBus(f.st, nil)

	job, _, err := bus.Enqueue(ctx, jobs.Event{Name: jobs.NotifyConflict, Payload: jobs.ConflictPayload{ConflictID: "cf1", ProjectID: "proj"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleConflict(ctx, job))

	job, _, err = bus.Enqueue(ctx, jobs.Event{Name: jobs.NotifyHealth, Payload: jobs.HealthChangePayload{
		PackID: "pack", SnapshotID: "hs1", From: "healthy", To: "at_risk", Score: 52,
	}})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleHealth(ctx, job))

	got := f.inbox(t, "ana")
	require.Len(t, got, 2)
	byType := map[string]storage.Notification{}
	for _, n := range got {
		byType[n.Type] = n
	}
	assert.Equal(t, "nightly vs hourly", byType[TypeConflict].Body)
	assert.Equal(t, []string{"cf1", "a-c0", "b-c0"}, byType[TypeConflict].RelatedIDs)
	assert.Equal(t, "pack is now at risk", byType[TypeHealth].Title)
	assert.Equal(t, "Health score 52, previously healthy.", byType[TypeHealth].Body)
}

func TestHandleConflict_Missing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, _, err := jobs.NewBus(f.st, nil).Enqueue(ctx, jobs.Event{Name: jobs.NotifyConflict, Payload: jobs.ConflictPayload{ConflictID: "nope"}})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.HandleConflict(ctx, job), storage.ErrNotFound)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	f.seed.Member("ws", "ana")
	ctx := context.Background()
	_, err := f.svc.Fanout(ctx, sample)
	require.NoError(t, err)
	_, err = f.svc.Fanout(ctx, sample)
	require.NoError(t, err)

	all := f.inbox(t, "ana")
	require.Len(t, all, 2)
	require.NoError(t, f.svc.MarkRead(ctx, all[0].ID))
	require.NoError(t, f.svc.MarkRead(ctx, all[0].ID))

	unread, err := f.svc.ListForUser(ctx, "ana", true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, all[1].ID, unread[0].ID)

	assert.ErrorIs(t, f.svc.MarkRead(ctx, "missing"), storage.ErrNotFound)
}
