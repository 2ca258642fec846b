package item

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Signature hashes the render-relevant fields of an ordered item list.
// Equal signatures mean a re-render would produce nothing new.
//
// Receipt and deletion sets are hashed by content, not size, so replacing
// one reader with another still changes the signature.
func Signature(items []Item) uint64 {
	d := xxhash.New()
	writeInt(d, int64(len(items)))
	for _, it := range items {
		writeString(d, it.ID)
		writeString(d, it.SenderID)
		writeString(d, string(it.Kind))
		writeString(d, it.Text)
		writeString(d, string(it.Pending))
		writeSet(d, it.Receipts.DeliveredTo)
		writeSet(d, it.Receipts.ReadBy)
		writeBool(d, it.Deletion.DeletedForAll)
		writeSet(d, it.Deletion.DeletedFor)
		writeInt(d, it.Counters.Likes)
		writeInt(d, it.Counters.Comments)
		writeInt(d, it.Counters.Shares)
		writeBool(d, it.Media != nil)
		if it.Media != nil {
			writeString(d, it.Media.RemoteKey)
			writeString(d, it.Media.ThumbRemoteKey)
			writeInt(d, int64(it.Media.Width))
			writeInt(d, int64(it.Media.Height))
			writeInt(d, int64(len(it.Media.PreviewInline)))
		}
	}
	return d.Sum64()
}

func writeString(d *xxhash.Digest, s string) {
	writeInt(d, int64(len(s)))
	_, _ = d.WriteString(s)
}

func writeInt(d *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = d.Write(buf[:])
}

func writeBool(d *xxhash.Digest, v bool) {
	if v {
		_, _ = d.Write([]byte{1})
		return
	}
	_, _ = d.Write([]byte{0})
}

func writeSet(d *xxhash.Digest, s Set) {
	ids := s.Sorted()
	writeInt(d, int64(len(ids)))
	for _, id := range ids {
		writeString(d, id)
	}
}
