package pull

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMissingSequenceSetInOrder(t *testing.T) {
	set := NewMissingSequenceSet()
	set.Clear("100")
	assert.Equal(t, Seq("100"), set.Since())
	assert.Equal(t, 0, set.Size())

	set.Add("101", 500)
	set.Add("102", 200)
	set.Add("103", 300)
	assert.Equal(t, 3, set.Size())
	assert.Equal(t, Seq("100"), set.Since())
	assert.Equal(t, ByteCount(500), set.BodySizeOfSequence("101"))

	wasEarliest, bodySize := set.Remove("101")
	assert.Equal(t, true, wasEarliest)
	assert.Equal(t, ByteCount(500), bodySize)
	assert.Equal(t, Seq("101"), set.Since())
	assert.Equal(t, 2, set.Size())

	wasEarliest, bodySize = set.Remove("102")
	assert.Equal(t, true, wasEarliest)
	assert.Equal(t, ByteCount(200), bodySize)
	assert.Equal(t, Seq("102"), set.Since())

	wasEarliest, bodySize = set.Remove("103")
	assert.Equal(t, true, wasEarliest)
	assert.Equal(t, ByteCount(300), bodySize)
	assert.Equal(t, Seq("103"), set.Since())
	assert.Equal(t, 0, set.Size())
}

func TestMissingSequenceSetOutOfOrder(t *testing.T) {
	set := NewMissingSequenceSet()
	set.Clear("100")
	set.Add("101", 100)
	set.Add("102", 200)

	// completing a later sequence does not advance the watermark
	wasEarliest, bodySize := set.Remove("102")
	assert.Equal(t, false, wasEarliest)
	assert.Equal(t, ByteCount(200), bodySize)
	assert.Equal(t, Seq("100"), set.Since())
	assert.Equal(t, 1, set.Size())

	// completing the earliest advances past everything already complete
	wasEarliest, _ = set.Remove("101")
	assert.Equal(t, true, wasEarliest)
	assert.Equal(t, Seq("102"), set.Since())
	assert.Equal(t, 0, set.Size())
}

func TestMissingSequenceSetIdempotentAdd(t *testing.T) {
	set := NewMissingSequenceSet()
	set.Clear("")
	set.Add("1", 10)
	set.Add("1", 10)
	assert.Equal(t, 1, set.Size())

	set.Remove("1")
	assert.Equal(t, Seq("1"), set.Since())
	assert.Equal(t, 0, set.Size())
}

func TestMissingSequenceSetRemoveAbsent(t *testing.T) {
	set := NewMissingSequenceSet()
	set.Clear("5")
	set.Add("6", 1)

	wasEarliest, bodySize := set.Remove("7")
	assert.Equal(t, false, wasEarliest)
	assert.Equal(t, ByteCount(0), bodySize)
	assert.Equal(t, Seq("5"), set.Since())
	assert.Equal(t, 1, set.Size())

	// removing twice is a no-op the second time
	set.Remove("6")
	wasEarliest, bodySize = set.Remove("6")
	assert.Equal(t, false, wasEarliest)
	assert.Equal(t, ByteCount(0), bodySize)
	assert.Equal(t, Seq("6"), set.Since())
}

func TestMissingSequenceSetClear(t *testing.T) {
	set := NewMissingSequenceSet()
	set.Add("1", 1)
	set.Add("2", 1)
	set.Clear("10")
	assert.Equal(t, Seq("10"), set.Since())
	assert.Equal(t, 0, set.Size())
	assert.Equal(t, ByteCount(0), set.BodySizeOfSequence("1"))
}

func TestMissingSequenceSetOpaqueSequences(t *testing.T) {
	// sequences are opaque; only feed order matters
	set := NewMissingSequenceSet()
	set.Clear("")
	set.Add("9000::15", 10)
	set.Add("9000::7", 20)

	set.Remove("9000::15")
	assert.Equal(t, Seq("9000::15"), set.Since())
	set.Remove("9000::7")
	assert.Equal(t, Seq("9000::7"), set.Since())
}
