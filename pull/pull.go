package pull

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Client-side pull half of the document replication protocol.

The puller subscribes to the remote change feed, asks the local store which
announced revisions are missing, requests those revisions, admits them into
the store in batched transactions, and advances a durable checkpoint. The
checkpoint is the greatest remote sequence with nothing incomplete at or
below it, so a pull interrupted at any point resumes without losing work.
*/

type ByteCount = int64

// Seq is a remote-assigned position in the remote's change feed. It is
// opaque to the puller: only equality and the feed's arrival order are
// used.
type Seq string

type ActivityLevel int

const (
	Stopped ActivityLevel = iota
	Idle
	Busy
)

func (self ActivityLevel) String() string {
	switch self {
	case Stopped:
		return "stopped"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("activity(%d)", int(self))
	}
}

type RevFlags uint8

const (
	RevDeleted RevFlags = 1 << iota
	RevRemoved
)

// ReplicatedRev is the metadata of one revision moving through the pull
// pipeline, and the view handed to delegates when the revision finishes.
type ReplicatedRev struct {
	DocID     string
	RevID     string
	Flags     RevFlags
	RemoteSeq Seq

	Err            error
	ErrIsTransient bool
}

func (self *ReplicatedRev) Deleted() bool {
	return self.Flags&RevDeleted != 0
}

// DocumentEnded is the external projection of a finished revision, a plain
// field copy so delegates never alias pipeline-owned state.
type DocumentEnded struct {
	DocID            string
	RevID            string
	Flags            RevFlags
	RemoteSeq        Seq
	ErrorMessage     string
	ErrorIsTransient bool
}

func (self *ReplicatedRev) AsDocumentEnded() *DocumentEnded {
	doc := &DocumentEnded{
		DocID:            self.DocID,
		RevID:            self.RevID,
		Flags:            self.Flags,
		RemoteSeq:        self.RemoteSeq,
		ErrorIsTransient: self.ErrIsTransient,
	}
	if self.Err != nil {
		doc.ErrorMessage = self.Err.Error()
	}
	return doc
}

type Progress struct {
	CompletedByteCount ByteCount
	TotalByteCount     ByteCount
}

func (self Progress) Add(delta Progress) Progress {
	return Progress{
		CompletedByteCount: self.CompletedByteCount + delta.CompletedByteCount,
		TotalByteCount:     self.TotalByteCount + delta.TotalByteCount,
	}
}

type Status struct {
	Level         ActivityLevel
	Progress      Progress
	DocumentCount int64
}

type CheckpointFunction func(seq Seq)
type DocumentEndedFunction func(doc *DocumentEnded)
type StatusFunction func(status Status)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func NewIdFromString(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) Hex() string {
	return hex.EncodeToString(self[:])
}
