package snapshot

import (
	"testing"

	"github.com/matheus3301/wppsync/internal/item"
)

func TestPutGetCopies(t *testing.T) {
	c := New(0)
	items := []item.Item{{ID: "a", Receipts: item.Receipts{ReadBy: item.NewSet("u1")}}}
	c.Put("chat:a", items, 42)

	items[0].Receipts.ReadBy.Add("u2")

	s, ok := c.Get("chat:a")
	if !ok {
		t.Fatal("missing snapshot")
	}
	if s.Signature != 42 || s.Items[0].Receipts.ReadBy.Len() != 1 {
		t.Errorf("snapshot shares state with the caller: %+v", s)
	}
	s.Items[0].Text = "mutated"
	again, _ := c.Get("chat:a")
	if again.Items[0].Text != "" {
		t.Error("Get returned shared items")
	}
}

func TestPutKeepsNewest(t *testing.T) {
	c := New(2)
	c.Put("feed", []item.Item{{ID: "1"}, {ID: "2"}, {ID: "3"}}, 1)
	s, _ := c.Get("feed")
	if len(s.Items) != 2 || s.Items[0].ID != "2" {
		t.Errorf("items = %+v", s.Items)
	}
}

func TestClear(t *testing.T) {
	c := New(0)
	c.Put("a", nil, 1)
	c.Put("b", nil, 2)
	c.Delete("a")
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	c.Clear()
	if _, ok := c.Get("b"); ok || c.Len() != 0 {
		t.Error("Clear left snapshots behind")
	}
}
