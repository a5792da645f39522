package pull

import (
	"sync"
)

// DocIDMultiset is the set of document ids with a revision currently in
// flight. It is shared between the puller and the rev finder, so unlike
// the rest of the pipeline state it must be safe for concurrent use. A
// multiset because the same document can have several concurrent revisions
// in flight at once.
type DocIDMultiset struct {
	mutex  sync.Mutex
	counts map[string]int
}

func NewDocIDMultiset() *DocIDMultiset {
	return &DocIDMultiset{
		counts: map[string]int{},
	}
}

func (self *DocIDMultiset) Add(docID string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.counts[docID] += 1
}

func (self *DocIDMultiset) Remove(docID string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if count, ok := self.counts[docID]; ok {
		if count <= 1 {
			delete(self.counts, docID)
		} else {
			self.counts[docID] = count - 1
		}
	}
}

func (self *DocIDMultiset) Contains(docID string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < self.counts[docID]
}

func (self *DocIDMultiset) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	size := 0
	for _, count := range self.counts {
		size += count
	}
	return size
}
