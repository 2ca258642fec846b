package view

import (
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
)

func at(day, min int) time.Time {
	return time.Date(2026, 3, day, 10, min, 0, 0, time.UTC)
}

func msg(id string, day, min int) item.Item {
	return item.Item{ID: id, SenderID: "u1", Kind: item.KindText, Text: id, CreatedAt: at(day, min)}
}

func chat(t *testing.T, window int, items ...item.Item) *Collection {
	t.Helper()
	c := New(Options{Order: OldestFirst, WindowMax: window, GroupByDay: true, Location: time.UTC, Me: "me"})
	c.Reset(items)
	return c
}

func keys(c *Collection) []string {
	out := make([]string, c.Len())
	for i := range out {
		out[i] = c.KeyAt(i)
	}
	return out
}

func assertKeys(t *testing.T, c *Collection, want ...string) {
	t.Helper()
	got := keys(c)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
}

func apply(t *testing.T, c *Collection, incoming ...item.Item) Result {
	t.Helper()
	res, err := c.Apply(c.Plan(incoming))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

// assertSeparators checks no separator is first, last or next to another.
func assertSeparators(t *testing.T, c *Collection) {
	t.Helper()
	rows := c.Rows()
	for i, r := range rows {
		if !r.Separator {
			continue
		}
		if i == 0 || i == len(rows)-1 {
			t.Fatalf("separator at edge: %v", keys(c))
		}
		if rows[i-1].Separator || rows[i+1].Separator {
			t.Fatalf("adjacent separators: %v", keys(c))
		}
	}
}

func TestAppendNewerSameDay(t *testing.T) {
	c := chat(t, 200, msg("m1", 1, 0), msg("m2", 1, 1))
	m3 := msg("m3", 1, 5)
	m3.SenderID = "u2"

	res := apply(t, c, msg("m1", 1, 0), msg("m2", 1, 1), m3)
	if res.Newer != 1 || res.Updated != 0 {
		t.Errorf("result = %+v", res)
	}
	assertKeys(t, c, "m1", "m2", "m3")
}

// Regression: an item tied with the newest on CreatedAt but with a lower id
// was appended after it, unlike the order a reload produces.
func TestTieOnNewestMatchesReloadOrder(t *testing.T) {
	c := chat(t, 200, msg("m1", 1, 0), msg("b", 1, 5))
	res := apply(t, c, msg("a", 1, 5))
	if res.Newer != 0 || res.Merged != 1 {
		t.Errorf("result = %+v", res)
	}
	assertKeys(t, c, "m1", "a", "b")

	reloaded := chat(t, 200, c.Items()...)
	if fmt.Sprint(keys(reloaded)) != fmt.Sprint(keys(c)) {
		t.Errorf("reload = %v, live = %v", keys(reloaded), keys(c))
	}

	// A higher id on the same instant is still a plain append.
	res = apply(t, c, msg("c", 1, 5))
	if res.Newer != 1 {
		t.Errorf("result = %+v", res)
	}
	assertKeys(t, c, "m1", "a", "b", "c")
}

func TestAppendNewerNextDayAddsSeparator(t *testing.T) {
	c := chat(t, 200, msg("m1", 1, 0), msg("m2", 1, 1))
	apply(t, c, msg("m3", 2, 5))
	assertKeys(t, c, "m1", "m2", "sep:2026-03-02", "m3")
	assertSeparators(t, c)
}

func TestApplySameSnapshotTwiceIsNoop(t *testing.T) {
	c := chat(t, 200)
	snap := []item.Item{msg("a", 1, 0), msg("b", 1, 1)}
	apply(t, c, snap...)
	gen := c.Generation()

	p := c.Plan(snap)
	if !p.Empty() {
		t.Fatalf("second plan not empty: %+v", p)
	}
	res, err := c.Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() || c.Generation() != gen {
		t.Error("identical snapshot mutated the collection")
	}
}

func TestUpdatesPatchInPlace(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0), msg("b", 1, 1), msg("c", 1, 2))
	b := msg("b", 1, 1)
	b.Receipts.ReadBy = item.NewSet("u2")

	p := c.Plan([]item.Item{b})
	if p.Structural() || p.NeedsAnchor(OldestFirst) {
		t.Error("receipt patch should not be structural")
	}
	res := apply(t, c, b)
	if res.Updated != 1 {
		t.Errorf("updated = %d", res.Updated)
	}
	assertKeys(t, c, "a", "b", "c")
	got, _ := c.Find("b")
	if !got.Receipts.ReadBy.Has("u2") {
		t.Error("receipt not applied")
	}
}

func TestOlderBlockPrepends(t *testing.T) {
	c := chat(t, 200, msg("m10", 2, 0), msg("m11", 2, 1))
	p := c.Plan([]item.Item{msg("m1", 1, 0), msg("m2", 1, 1)})
	if len(p.Older) != 2 || !p.NeedsAnchor(OldestFirst) {
		t.Fatalf("plan = %+v", p)
	}
	if _, err := c.Apply(p); err != nil {
		t.Fatal(err)
	}
	assertKeys(t, c, "m1", "m2", "sep:2026-03-02", "m10", "m11")
}

func TestOutOfOrderMergesOnlyAffectedRun(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0), msg("b", 1, 2), msg("c", 1, 4), msg("d", 1, 6))
	res := apply(t, c, msg("x", 1, 3))
	if res.Merged != 1 {
		t.Fatalf("merged = %d", res.Merged)
	}
	assertKeys(t, c, "a", "b", "x", "c", "d")
}

func TestMergeRunLeavesOutsideRowsAlone(t *testing.T) {
	items := []item.Item{msg("a", 1, 0), msg("b", 1, 2), msg("c", 1, 4), msg("d", 1, 6), msg("e", 1, 8)}
	out := mergeRun(items, []item.Item{msg("x", 1, 3), msg("y", 1, 5)})
	var got []string
	for _, it := range out {
		got = append(got, it.ID)
	}
	if fmt.Sprint(got) != "[a b x c y d e]" {
		t.Errorf("merged = %v", got)
	}
}

func TestWindowTrimDropsOldest(t *testing.T) {
	c := chat(t, 5)
	for i := 0; i < 8; i++ {
		apply(t, c, msg(fmt.Sprintf("m%d", i), 1, i))
	}
	if c.RealCount() != 5 {
		t.Fatalf("real count = %d, want 5", c.RealCount())
	}
	oldest, _ := c.Oldest()
	if oldest.ID != "m3" {
		t.Errorf("oldest = %s, want m3", oldest.ID)
	}
}

func TestWindowTrimNotOnOlderPage(t *testing.T) {
	c := chat(t, 3, msg("c", 1, 5), msg("d", 1, 6), msg("e", 1, 7))
	res := apply(t, c, msg("a", 1, 0), msg("b", 1, 1))
	if res.Trimmed != 0 || c.RealCount() != 5 {
		t.Errorf("older page must not be trimmed: %+v count=%d", res, c.RealCount())
	}
}

func TestTrimRemovesOrphanSeparator(t *testing.T) {
	c := chat(t, 2, msg("a", 1, 0), msg("b", 2, 0))
	assertKeys(t, c, "a", "sep:2026-03-02", "b")
	apply(t, c, msg("c", 2, 5))
	assertKeys(t, c, "b", "c")
	assertSeparators(t, c)
}

func TestDeletedForMeIsFiltered(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0), msg("b", 1, 1))
	b := msg("b", 1, 1)
	b.Deletion.DeletedFor = item.NewSet("me")
	hiddenNew := msg("z", 1, 9)
	hiddenNew.Deletion.DeletedFor = item.NewSet("me")

	res := apply(t, c, b, hiddenNew)
	if res.Removed != 1 || res.Hidden != 2 {
		t.Errorf("result = %+v", res)
	}
	assertKeys(t, c, "a")
}

func TestStalePlanRejected(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0))
	p := c.Plan([]item.Item{msg("b", 1, 1)})
	c.InsertLocal(item.Item{ID: item.LocalID("n"), ClientNonce: "n", CreatedAt: at(1, 2)})
	if _, err := c.Apply(p); err != ErrStalePlan {
		t.Fatalf("err = %v, want ErrStalePlan", err)
	}
	assertKeys(t, c, "a", "local-n")
}

func TestNewestFirstOrder(t *testing.T) {
	c := New(Options{Order: NewestFirst, WindowMax: 200, Location: time.UTC})
	c.Reset([]item.Item{msg("p1", 1, 0), msg("p2", 1, 1)})
	assertKeys(t, c, "p2", "p1")

	p := c.Plan([]item.Item{msg("p3", 1, 2)})
	if !p.NeedsAnchor(NewestFirst) {
		t.Error("feed head insert needs an anchor")
	}
	if _, err := c.Apply(p); err != nil {
		t.Fatal(err)
	}
	assertKeys(t, c, "p3", "p2", "p1")

	p = c.Plan([]item.Item{msg("p0", 0, 0)})
	if p.NeedsAnchor(NewestFirst) {
		t.Error("older feed page is a tail append")
	}
}

func TestNewestFirstSeparatorLabelsGroupBelow(t *testing.T) {
	c := New(Options{Order: NewestFirst, GroupByDay: true, Location: time.UTC})
	c.Reset([]item.Item{msg("old", 1, 0), msg("new", 2, 0)})
	assertKeys(t, c, "new", "sep:2026-03-01", "old")
}

// TestRefreshConfirmsOptimisticSlot covers a refresh that already carries the
// confirmed item for a pending local slot: it replaces the slot in place.
func TestRefreshConfirmsOptimisticSlot(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0))
	local := item.Item{ID: item.LocalID("n1"), ClientNonce: "n1", SenderID: "me", Text: "hi", CreatedAt: at(1, 1), Pending: item.PendingUpload}
	c.InsertLocal(local)

	confirmed := item.Item{ID: "srv-1", ClientNonce: "n1", SenderID: "me", Text: "hi", CreatedAt: at(1, 1)}
	res := apply(t, c, msg("a", 1, 0), confirmed)
	if res.Replaced != 1 || res.Newer != 0 {
		t.Errorf("result = %+v", res)
	}
	assertKeys(t, c, "a", "srv-1")

	// The send completes afterwards; still exactly one item.
	if !c.ReplaceByNonce("n1", confirmed) {
		t.Fatal("confirm did not match")
	}
	assertKeys(t, c, "a", "srv-1")
}

func TestReplaceByNonceCollapsesDuplicate(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0))
	c.InsertLocal(item.Item{ID: item.LocalID("n1"), ClientNonce: "n1", CreatedAt: at(1, 1), Pending: item.PendingUpload})
	// A refresh delivered the server item without echoing the nonce.
	apply(t, c, msg("srv-1", 1, 1))
	assertKeys(t, c, "a", "local-n1", "srv-1")

	c.ReplaceByNonce("n1", msg("srv-1", 1, 1))
	assertKeys(t, c, "a", "srv-1")
}

func TestReplaceByNonceFallsBackToID(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0))
	c.InsertLocal(item.Item{ID: "local-n2", CreatedAt: at(1, 1), Pending: item.PendingFailed})
	ok := c.ReplaceByNonce("", item.Item{ID: "local-n2", CreatedAt: at(1, 1), Pending: item.PendingUpload})
	if !ok {
		t.Fatal("id fallback failed")
	}
	got, _ := c.Find("local-n2")
	if got.Pending != item.PendingUpload {
		t.Errorf("pending = %s", got.Pending)
	}
}

func TestSetPendingAndPatch(t *testing.T) {
	c := chat(t, 200)
	c.InsertLocal(item.Item{ID: "local-n", ClientNonce: "n", CreatedAt: at(1, 0), Pending: item.PendingUpload})
	if !c.SetPending("n", item.PendingFailed) {
		t.Fatal("SetPending missed")
	}
	if got, _ := c.FindByNonce("n"); got.Pending != item.PendingFailed {
		t.Errorf("pending = %s", got.Pending)
	}
	if c.SetPending("other", item.PendingFailed) {
		t.Error("unknown nonce matched")
	}

	c.Patch("local-n", func(it *item.Item) { it.Text = "edited"; it.ID = "hijack" })
	got, ok := c.Find("local-n")
	if !ok || got.Text != "edited" {
		t.Errorf("patch = %+v", got)
	}
}

func TestResetDedupesAndFiltersHidden(t *testing.T) {
	hidden := msg("h", 1, 3)
	hidden.Deletion.DeletedFor = item.NewSet("me")
	c := chat(t, 200, msg("b", 1, 1), msg("a", 1, 0), msg("a", 1, 0), hidden)
	assertKeys(t, c, "a", "b")
}

func TestIndexOfKey(t *testing.T) {
	c := chat(t, 200, msg("a", 1, 0), msg("b", 2, 0))
	if c.IndexOfKey("b") != 2 {
		t.Errorf("index of b = %d", c.IndexOfKey("b"))
	}
	if c.IndexOfKey("missing") != -1 {
		t.Error("missing key should be -1")
	}
	if !IsSeparatorKey(c.KeyAt(1)) {
		t.Error("row 1 should be a separator")
	}
}
