package pull

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTransientError(t *testing.T) {
	assert.Equal(t, nil, Transient(nil))
	assert.Equal(t, false, IsTransient(nil))

	err := Transient(errors.New("database is locked"))
	assert.Equal(t, true, IsTransient(err))
	assert.Equal(t, "database is locked", err.Error())

	// wrapping preserves transience
	wrapped := fmt.Errorf("stage doc: %w", err)
	assert.Equal(t, true, IsTransient(wrapped))

	assert.Equal(t, false, IsTransient(errors.New("document rejected")))
	assert.Equal(t, true, IsTransient(context.DeadlineExceeded))
}

func TestDocumentEndedProjection(t *testing.T) {
	rev := &ReplicatedRev{
		DocID:          "doc1",
		RevID:          "2-b",
		Flags:          RevDeleted,
		RemoteSeq:      "42",
		Err:            errors.New("boom"),
		ErrIsTransient: true,
	}
	doc := rev.AsDocumentEnded()
	assert.Equal(t, "doc1", doc.DocID)
	assert.Equal(t, "2-b", doc.RevID)
	assert.Equal(t, RevDeleted, doc.Flags)
	assert.Equal(t, Seq("42"), doc.RemoteSeq)
	assert.Equal(t, "boom", doc.ErrorMessage)
	assert.Equal(t, true, doc.ErrorIsTransient)
	assert.Equal(t, true, rev.Deleted())
}
