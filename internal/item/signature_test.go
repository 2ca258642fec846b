package item

import "testing"

func sample() []Item {
	return []Item{
		{ID: "m1", SenderID: "u1", Kind: KindText, Text: "hello", CreatedAt: at(0)},
		{ID: "m2", SenderID: "me", Kind: KindPhoto, CreatedAt: at(1), Media: &MediaRef{RemoteKey: "k2", Width: 640, Height: 480}},
	}
}

func TestSignatureStable(t *testing.T) {
	if Signature(sample()) != Signature(sample()) {
		t.Fatal("equal lists must sign equally")
	}
}

func TestSignatureEmpty(t *testing.T) {
	if Signature(nil) != Signature([]Item{}) {
		t.Error("nil and empty lists should sign equally")
	}
	if Signature(nil) == Signature(sample()[:1]) {
		t.Error("empty and non-empty lists collided")
	}
}

func TestSignatureOrderSensitive(t *testing.T) {
	a := sample()
	b := []Item{a[1], a[0]}
	if Signature(a) == Signature(b) {
		t.Error("reordered list produced same signature")
	}
}

// TestSignatureReceiptContents covers a reader being replaced by another
// reader: the set size stays the same but the rendering changes.
func TestSignatureReceiptContents(t *testing.T) {
	a := sample()
	a[1].Receipts.ReadBy = NewSet("u1")
	b := sample()
	b[1].Receipts.ReadBy = NewSet("u3")
	if Signature(a) == Signature(b) {
		t.Error("swapping a reader must change the signature")
	}
}

func TestSignatureFieldChanges(t *testing.T) {
	base := Signature(sample())

	tests := []struct {
		name   string
		mutate func([]Item)
	}{
		{"text", func(it []Item) { it[0].Text = "edited" }},
		{"sender", func(it []Item) { it[0].SenderID = "u9" }},
		{"kind", func(it []Item) { it[0].Kind = KindEvent }},
		{"delivered", func(it []Item) { it[1].Receipts.DeliveredTo = NewSet("u1") }},
		{"deleted for all", func(it []Item) { it[0].Deletion.DeletedForAll = true }},
		{"media removed", func(it []Item) { it[1].Media = nil }},
		{"media size", func(it []Item) { it[1].Media.Width = 1280 }},
		{"thumb key", func(it []Item) { it[1].Media.ThumbRemoteKey = "t2" }},
		{"pending", func(it []Item) { it[1].Pending = PendingUpload }},
		{"counters", func(it []Item) { it[0].Counters.Comments = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := sample()
			tt.mutate(items)
			if Signature(items) == base {
				t.Errorf("%s change was not reflected in the signature", tt.name)
			}
		})
	}
}

func TestSignatureIgnoresTimestampOnly(t *testing.T) {
	// CreatedAt drives ordering, which the id sequence already captures.
	a := sample()
	b := sample()
	b[0].CreatedAt = at(0).Add(1)
	if Signature(a) != Signature(b) {
		t.Error("sub-order timestamp jitter should not force a re-render")
	}
}
