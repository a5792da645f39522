package pull

// MissingSequenceSet tracks the remote sequences announced by the change
// feed that have not yet been acknowledged complete. Sequences are kept in
// feed arrival order, which is the remote's order. The watermark `base`
// trails the earliest still-missing sequence: every sequence at or below
// it has completed, so `Since()` is always a safe checkpoint.
//
// Owned by the puller's mailbox; not safe for concurrent use.
type MissingSequenceSet struct {
	base      Seq
	entries   []*missingSequenceEntry
	indexes   map[Seq]int
	headIndex int
	liveCount int
}

type missingSequenceEntry struct {
	seq      Seq
	bodySize ByteCount
	removed  bool
}

func NewMissingSequenceSet() *MissingSequenceSet {
	set := &MissingSequenceSet{}
	set.Clear("")
	return set
}

// Clear resets the set. Everything at or below base counts as complete.
func (self *MissingSequenceSet) Clear(base Seq) {
	self.base = base
	self.entries = nil
	self.indexes = map[Seq]int{}
	self.headIndex = 0
	self.liveCount = 0
}

// Add records a sequence awaiting completion. Adding a sequence already
// present updates its body size and nothing else.
func (self *MissingSequenceSet) Add(seq Seq, bodySize ByteCount) {
	if i, ok := self.indexes[seq]; ok {
		entry := self.entries[i-self.headIndex]
		if !entry.removed {
			entry.bodySize = bodySize
		}
		return
	}
	self.indexes[seq] = self.headIndex + len(self.entries)
	self.entries = append(self.entries, &missingSequenceEntry{
		seq:      seq,
		bodySize: bodySize,
	})
	self.liveCount += 1
}

// Remove marks a sequence complete. wasEarliest reports whether it was the
// earliest still-missing sequence, in which case the watermark advanced.
// Removing a sequence that is not pending is a no-op.
func (self *MissingSequenceSet) Remove(seq Seq) (wasEarliest bool, bodySize ByteCount) {
	i, ok := self.indexes[seq]
	if !ok {
		return false, 0
	}
	entry := self.entries[i-self.headIndex]
	if entry.removed {
		return false, 0
	}
	entry.removed = true
	self.liveCount -= 1
	bodySize = entry.bodySize
	wasEarliest = i == self.headIndex

	// advance the watermark over the completed prefix
	for 0 < len(self.entries) && self.entries[0].removed {
		self.base = self.entries[0].seq
		delete(self.indexes, self.entries[0].seq)
		self.entries[0] = nil
		self.entries = self.entries[1:]
		self.headIndex += 1
	}
	return wasEarliest, bodySize
}

// BodySizeOfSequence returns the body size recorded for a pending
// sequence, or 0 if the sequence is not pending.
func (self *MissingSequenceSet) BodySizeOfSequence(seq Seq) ByteCount {
	if i, ok := self.indexes[seq]; ok {
		if entry := self.entries[i-self.headIndex]; !entry.removed {
			return entry.bodySize
		}
	}
	return 0
}

// Size is the number of still-missing sequences.
func (self *MissingSequenceSet) Size() int {
	return self.liveCount
}

// Since is the checkpoint value: the greatest sequence such that every
// sequence at or below it ever added has completed.
func (self *MissingSequenceSet) Since() Seq {
	return self.base
}
