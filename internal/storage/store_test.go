package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fixture seeds one project with one source, one pack citing it, a pack
// version with two stories and three criteria, and two chunks.
type fixture struct {
	store *Store
	ctx   context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := openTestStore(t)
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	must(s.CreateProject(ctx, Project{ID: "proj", WorkspaceID: "ws"}))
	must(s.CreateSource(ctx, EvidenceSource{ID: "src", ProjectID: "proj", Kind: "document", CurrentVersionID: "v1"}))
	must(s.CreateVersion(ctx, SourceVersion{ID: "v1", SourceID: "src", Seq: 1, Content: "a\n\nb", ContentHash: "h1"}))
	must(s.InsertChunks(ctx, []Chunk{
		{ID: "c1", SourceID: "src", VersionID: "v1", Index: 0, Content: "a"},
		{ID: "c2", SourceID: "src", VersionID: "v1", Index: 1, Content: "b", Embedding: []float32{1, 0}},
	}))
	must(s.CreatePack(ctx, Pack{ID: "pack", ProjectID: "proj"}))
	must(s.AttachSource(ctx, "pack", "src"))
	must(s.CreatePackVersion(ctx, PackVersion{ID: "pv1", PackID: "pack", Seq: 1}))
	must(s.CreateStory(ctx, Story{ID: "s1", PackVersionID: "pv1"}))
	must(s.CreateStory(ctx, Story{ID: "s2", PackVersionID: "pv1"}))
	must(s.CreateCriterion(ctx, AcceptanceCriterion{ID: "ac1", StoryID: "s1"}))
	must(s.CreateCriterion(ctx, AcceptanceCriterion{ID: "ac2", StoryID: "s1"}))
	must(s.CreateCriterion(ctx, AcceptanceCriterion{ID: "ac3", StoryID: "s2"}))
	return fixture{store: s, ctx: ctx}
}

func TestSourceRoundTrip(t *testing.T) {
	f := newFixture(t)
	src, err := f.store.GetSource(f.ctx, "src")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Status != SourcePending || src.CurrentVersionID != "v1" {
		t.Errorf("got %+v", src)
	}
	if err := f.store.UpdateSourceContent(f.ctx, "src", "new", "h2", "v3"); err != nil {
		t.Fatalf("UpdateSourceContent: %v", err)
	}
	src, _ = f.store.GetSource(f.ctx, "src")
	if src.Content != "new" || src.ContentHash != "h2" || src.CurrentVersionID != "v3" {
		t.Errorf("after update got %+v", src)
	}
	if _, err := f.store.GetSource(f.ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSource(nope) = %v", err)
	}
}

func TestLatestVersion(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateVersion(f.ctx, SourceVersion{ID: "v2", SourceID: "src", Seq: 2, Content: "x", ContentHash: "h"}); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	v, err := f.store.LatestVersion(f.ctx, "src")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v.ID != "v2" {
		t.Errorf("LatestVersion = %s, want v2", v.ID)
	}
	if err := f.store.CreateVersion(f.ctx, SourceVersion{ID: "dup", SourceID: "src", Seq: 2, ContentHash: "h"}); err == nil {
		t.Error("expected unique violation for duplicate seq")
	}
}

func TestChunkEmbeddings(t *testing.T) {
	f := newFixture(t)
	pending, err := f.store.ListUnembeddedChunks(f.ctx, "src", "v1")
	if err != nil {
		t.Fatalf("ListUnembeddedChunks: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c1" {
		t.Fatalf("unembedded = %+v", pending)
	}
	if err := f.store.SetChunkEmbedding(f.ctx, "c1", []float32{0, 1}); err != nil {
		t.Fatalf("SetChunkEmbedding: %v", err)
	}
	all, err := f.store.ListProjectEmbeddedChunks(f.ctx, "proj")
	if err != nil {
		t.Fatalf("ListProjectEmbeddedChunks: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("embedded chunks = %d, want 2", len(all))
	}
}

func TestDeleteChunkGeneration(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateVersion(f.ctx, SourceVersion{ID: "v3", SourceID: "src", Seq: 3, Content: "z"}); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := f.store.InsertChunks(f.ctx, []Chunk{{ID: "c9", SourceID: "src", VersionID: "v3", Content: "z"}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	gens, err := f.store.ChunkGenerations(f.ctx, "src")
	if err != nil || len(gens) != 2 || gens[0] != "v1" || gens[1] != "v3" {
		t.Fatalf("ChunkGenerations = %v, %v", gens, err)
	}

	ids, err := f.store.DeleteChunkGeneration(f.ctx, "src", "v1")
	if err != nil {
		t.Fatalf("DeleteChunkGeneration: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("deleted %v, want c1 and c2", ids)
	}
	left, _ := f.store.ListSourceChunks(f.ctx, "src")
	if len(left) != 1 || left[0].ID != "c9" {
		t.Errorf("remaining = %+v", left)
	}
	again, err := f.store.DeleteChunkGeneration(f.ctx, "src", "v1")
	if err != nil || len(again) != 0 {
		t.Errorf("second delete = %v, %v", again, err)
	}
}

func TestAffectedArtifacts(t *testing.T) {
	f := newFixture(t)
	for _, l := range []EvidenceLink{
		{ID: "l1", Entity: CriterionRef{CriterionID: "ac1"}, ChunkID: "c1", Confidence: ConfidenceHigh},
		{ID: "l2", Entity: StoryRef{StoryID: "s2"}, ChunkID: "c1", Confidence: ConfidenceLow},
		{ID: "l3", Entity: CriterionRef{CriterionID: "ac3"}, ChunkID: "c2", Confidence: ConfidenceMedium},
	} {
		if err := f.store.CreateLink(f.ctx, l); err != nil {
			t.Fatalf("CreateLink: %v", err)
		}
	}
	got, err := f.store.AffectedArtifacts(f.ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("AffectedArtifacts: %v", err)
	}
	want := []AffectedArtifact{
		{PackID: "pack", StoryID: "s1", CriterionID: "ac1"},
		{PackID: "pack", StoryID: "s2", CriterionID: ""},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAffectedArtifacts_LatestPackVersionOnly(t *testing.T) {
	f := newFixture(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	must(f.store.CreatePackVersion(f.ctx, PackVersion{ID: "pv2", PackID: "pack", Seq: 2}))
	must(f.store.CreateStory(f.ctx, Story{ID: "s1b", PackVersionID: "pv2"}))
	must(f.store.CreateCriterion(f.ctx, AcceptanceCriterion{ID: "ac1b", StoryID: "s1b"}))
	must(f.store.CreateLink(f.ctx, EvidenceLink{ID: "old", Entity: CriterionRef{CriterionID: "ac1"}, ChunkID: "c1", Confidence: ConfidenceHigh}))
	must(f.store.CreateLink(f.ctx, EvidenceLink{ID: "new", Entity: CriterionRef{CriterionID: "ac1b"}, ChunkID: "c1", Confidence: ConfidenceHigh}))
	must(f.store.CreateLink(f.ctx, EvidenceLink{ID: "old-story", Entity: StoryRef{StoryID: "s2"}, ChunkID: "c1", Confidence: ConfidenceLow}))

	got, err := f.store.AffectedArtifacts(f.ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("AffectedArtifacts: %v", err)
	}
	want := AffectedArtifact{PackID: "pack", StoryID: "s1b", CriterionID: "ac1b"}
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %+v, want only %+v", got, want)
	}
}

func TestRepointAndDeleteLinks(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateLink(f.ctx, EvidenceLink{ID: "l1", Entity: CriterionRef{CriterionID: "ac1"}, ChunkID: "c1", Confidence: ConfidenceHigh}); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	n, err := f.store.RepointLinks(f.ctx, "c1", "c1b", EvolutionModified)
	if err != nil || n != 1 {
		t.Fatalf("RepointLinks = %d, %v", n, err)
	}
	l, err := f.store.GetLink(f.ctx, "l1")
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if l.ChunkID != "c1b" || l.Evolution != EvolutionModified {
		t.Errorf("link after repoint = %+v", l)
	}
	if _, ok := l.Entity.(CriterionRef); !ok {
		t.Errorf("entity = %T, want CriterionRef", l.Entity)
	}
	n, err = f.store.DeleteLinksForChunks(f.ctx, []string{"c1b"})
	if err != nil || n != 1 {
		t.Errorf("DeleteLinksForChunks = %d, %v", n, err)
	}
}

func TestCountArtifacts(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateLink(f.ctx, EvidenceLink{ID: "l1", Entity: CriterionRef{CriterionID: "ac1"}, ChunkID: "c1", Confidence: ConfidenceHigh}); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := f.store.CreateLink(f.ctx, EvidenceLink{ID: "l2", Entity: CriterionRef{CriterionID: "ac2"}, ChunkID: "c1", Confidence: ConfidenceLow}); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	// A flag on ac3 counts against story s2.
	if err := f.store.CreateQualityFlag(f.ctx, QualityFlag{ID: "f1", Entity: CriterionRef{CriterionID: "ac3"}, Message: "vague"}); err != nil {
		t.Fatalf("CreateQualityFlag: %v", err)
	}
	c, err := f.store.CountArtifacts(f.ctx, "pv1")
	if err != nil {
		t.Fatalf("CountArtifacts: %v", err)
	}
	want := ArtifactCounts{Criteria: 3, CriteriaWithHighLink: 1, Stories: 2, StoriesWithoutFlags: 1}
	if c != want {
		t.Errorf("CountArtifacts = %+v, want %+v", c, want)
	}

	if err := f.store.ResolveQualityFlag(f.ctx, "f1"); err != nil {
		t.Fatalf("ResolveQualityFlag: %v", err)
	}
	c, _ = f.store.CountArtifacts(f.ctx, "pv1")
	if c.StoriesWithoutFlags != 2 {
		t.Errorf("StoriesWithoutFlags after resolve = %d, want 2", c.StoriesWithoutFlags)
	}
}

func TestEntityProject(t *testing.T) {
	f := newFixture(t)
	for _, ref := range []EntityRef{StoryRef{StoryID: "s1"}, CriterionRef{CriterionID: "ac3"}} {
		p, err := f.store.EntityProject(f.ctx, ref)
		if err != nil {
			t.Fatalf("EntityProject(%v): %v", ref, err)
		}
		if p != "proj" {
			t.Errorf("EntityProject(%v) = %s", ref, p)
		}
	}
	if _, err := f.store.EntityProject(f.ctx, StoryRef{StoryID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("EntityProject(ghost) = %v", err)
	}
}

func TestChunkDiffs(t *testing.T) {
	f := newFixture(t)
	has, err := f.store.HasChunkDiffs(f.ctx, "src", "v3")
	if err != nil || has {
		t.Fatalf("HasChunkDiffs before insert = %v, %v", has, err)
	}
	sim := 0.8
	if err := f.store.InsertChunkDiffs(f.ctx, []ChunkDiff{
		{ID: "d1", SourceID: "src", OldVersionID: "v2", NewVersionID: "v3", Type: DiffModified, OldChunkID: "c1", NewChunkID: "c9", Similarity: &sim, OldContent: "a", NewContent: "A"},
		{ID: "d2", SourceID: "src", OldVersionID: "v2", NewVersionID: "v3", Type: DiffRemoved, OldChunkID: "c2", OldContent: "b"},
	}); err != nil {
		t.Fatalf("InsertChunkDiffs: %v", err)
	}
	has, _ = f.store.HasChunkDiffs(f.ctx, "src", "v3")
	if !has {
		t.Error("HasChunkDiffs after insert = false")
	}
	diffs, err := f.store.ListChunkDiffs(f.ctx, "src", "v3")
	if err != nil {
		t.Fatalf("ListChunkDiffs: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("diffs = %d, want 2", len(diffs))
	}
	for _, d := range diffs {
		switch d.ID {
		case "d1":
			if d.Similarity == nil || *d.Similarity != 0.8 {
				t.Errorf("d1 similarity = %v", d.Similarity)
			}
		case "d2":
			if d.Similarity != nil || d.NewChunkID != "" {
				t.Errorf("d2 = %+v", d)
			}
		}
	}
	n, err := f.store.CountDiffsSince(f.ctx, []string{"src"}, time.Now().Add(-time.Hour))
	if err != nil || n != 2 {
		t.Errorf("CountDiffsSince = %d, %v", n, err)
	}
}

func TestImpactLifecycle(t *testing.T) {
	f := newFixture(t)
	ci := ChangeImpact{
		ID: "i1", SourceID: "src", PackID: "pack", SourceVersionID: "v3", PreviousVersionID: "v2",
		AffectedStoryIDs: []string{"s1"}, AffectedCriterionIDs: []string{"ac1"},
		RemovedCount: 1, Severity: SeverityModerate,
	}
	if err := f.store.InsertImpact(f.ctx, ci); err != nil {
		t.Fatalf("InsertImpact: %v", err)
	}
	ci.ID = "i2"
	if err := f.store.InsertImpact(f.ctx, ci); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate InsertImpact = %v, want ErrAlreadyExists", err)
	}

	n, err := f.store.BumpSummaryRetry(f.ctx, "i1")
	if err != nil || n != 1 {
		t.Fatalf("BumpSummaryRetry = %d, %v", n, err)
	}
	got, _ := f.store.GetImpact(f.ctx, "i1")
	if got.State != ImpactSummaryPending || got.Summary != nil {
		t.Errorf("after retry bump got %+v", got)
	}
	if err := f.store.ResolveImpactSummary(f.ctx, "i1", "One paragraph was removed."); err != nil {
		t.Fatalf("ResolveImpactSummary: %v", err)
	}
	if err := f.store.ResolveImpactSummary(f.ctx, "i1", "again"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second resolve = %v, want ErrAlreadyExists", err)
	}
	got, _ = f.store.GetImpact(f.ctx, "i1")
	if got.State != ImpactSummaryResolved || got.Summary == nil || *got.Summary != "One paragraph was removed." {
		t.Errorf("resolved impact = %+v", got)
	}
	if len(got.AffectedCriterionIDs) != 1 || got.AffectedCriterionIDs[0] != "ac1" {
		t.Errorf("criteria = %v", got.AffectedCriterionIDs)
	}

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := f.store.AcknowledgeImpact(f.ctx, "i1", "u1", at); err != nil {
		t.Fatalf("AcknowledgeImpact: %v", err)
	}
	got, _ = f.store.GetImpact(f.ctx, "i1")
	if got.AcknowledgedBy != "u1" || got.AcknowledgedAt == nil || !got.AcknowledgedAt.Equal(at) {
		t.Errorf("ack = %q %v", got.AcknowledgedBy, got.AcknowledgedAt)
	}
}

func TestConflictPairUniqueness(t *testing.T) {
	f := newFixture(t)
	if err := f.store.InsertConflict(f.ctx, EvidenceConflict{ID: "x1", ProjectID: "proj", ChunkAID: "c2", ChunkBID: "c1", Confidence: 0.9}); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}
	exists, err := f.store.ConflictExists(f.ctx, "c1", "c2")
	if err != nil || !exists {
		t.Errorf("ConflictExists(c1,c2) = %v, %v", exists, err)
	}
	err = f.store.InsertConflict(f.ctx, EvidenceConflict{ID: "x2", ProjectID: "proj", ChunkAID: "c1", ChunkBID: "c2", Confidence: 0.7})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("reversed duplicate = %v, want ErrAlreadyExists", err)
	}
	list, _ := f.store.ListConflicts(f.ctx, "proj")
	if len(list) != 1 || list[0].ChunkAID != "c1" || list[0].ChunkBID != "c2" {
		t.Errorf("conflicts = %+v", list)
	}
}

func TestInsertHealthSnapshot_UpdatesPointer(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	snap := HealthSnapshot{ID: "h1", PackID: "pack", PackVersionID: "pv1", Score: 72, Status: HealthStale,
		SourceDrift: 80, EvidenceCoverage: 60, QAPassRate: 50, DeliveryFeedback: 100, SourceAge: 90, ComputedAt: at}
	if err := f.store.InsertHealthSnapshot(f.ctx, snap); err != nil {
		t.Fatalf("InsertHealthSnapshot: %v", err)
	}
	p, err := f.store.GetPack(f.ctx, "pack")
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if p.HealthScore == nil || *p.HealthScore != 72 || p.HealthStatus != "stale" || p.HealthAt == nil || !p.HealthAt.Equal(at) {
		t.Errorf("pointer = %+v", p)
	}

	// A missing pack rolls back the snapshot too.
	snap.ID, snap.PackID = "h2", "ghost"
	if err := f.store.InsertHealthSnapshot(f.ctx, snap); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot for ghost pack = %v", err)
	}
	hist, _ := f.store.ListHealthSnapshots(f.ctx, "ghost", 10)
	if len(hist) != 0 {
		t.Errorf("orphan snapshot persisted: %+v", hist)
	}
}

func TestNotificationsAndPreferences(t *testing.T) {
	f := newFixture(t)
	for _, m := range []Member{{WorkspaceID: "ws", UserID: "u1"}, {WorkspaceID: "ws", UserID: "u2"}} {
		if err := f.store.AddMember(f.ctx, m); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	if err := f.store.SetPreference(f.ctx, "u2", "impact", PreferenceImmediate); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	prefs, err := f.store.Preferences(f.ctx, []string{"u1", "u2"}, "impact")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if _, ok := prefs["u1"]; ok || prefs["u2"] != PreferenceImmediate {
		t.Errorf("prefs = %v", prefs)
	}

	if err := f.store.InsertNotifications(f.ctx, []Notification{
		{ID: "n1", UserID: "u1", WorkspaceID: "ws", Type: "impact", Title: "t", RelatedIDs: []string{"i1"}},
	}); err != nil {
		t.Fatalf("InsertNotifications: %v", err)
	}
	at := time.Now()
	if err := f.store.MarkNotificationRead(f.ctx, "n1", at); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	unread, _ := f.store.ListNotifications(f.ctx, "u1", true, 10)
	if len(unread) != 0 {
		t.Errorf("unread = %+v", unread)
	}
	all, _ := f.store.ListNotifications(f.ctx, "u1", false, 10)
	if len(all) != 1 || all[0].ReadAt == nil || len(all[0].RelatedIDs) != 1 {
		t.Errorf("all = %+v", all)
	}
}
