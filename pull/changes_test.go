package pull

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseChanges(t *testing.T) {
	entries, err := parseChanges([]byte(`[["101","doc1","1-abc",0,500]]`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, Seq("101"), entries[0].Seq)
	assert.Equal(t, "doc1", entries[0].DocID)
	assert.Equal(t, "1-abc", entries[0].RevID)
	assert.Equal(t, false, entries[0].Deleted)
	assert.Equal(t, ByteCount(500), entries[0].BodySize)
}

func TestParseChangesCaughtUp(t *testing.T) {
	entries, err := parseChanges([]byte(`[]`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(entries))
}

func TestParseChangesMalformed(t *testing.T) {
	for _, body := range []string{"null", "", "{\"a\":1}", "not json", `[1,2]`} {
		_, err := parseChanges([]byte(body))
		assert.NotEqual(t, nil, err)
	}
}

func TestParseChangesShortRows(t *testing.T) {
	entries, err := parseChanges([]byte(`[["7","doc1","1-a"],["8","doc2","2-b",true]]`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, ByteCount(0), entries[0].BodySize)
	assert.Equal(t, true, entries[1].Deleted)
}

func TestParseChangesNumericSequence(t *testing.T) {
	// a numeric sequence keeps its remote encoding
	entries, err := parseChanges([]byte(`[[42,"doc1","1-a",0,9]]`))
	assert.Equal(t, nil, err)
	assert.Equal(t, Seq("42"), entries[0].Seq)
}
