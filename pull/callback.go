package pull

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type callbackList[T any] struct {
	mutex      sync.Mutex
	callbackId int
	callbacks  map[int]T
	ordered    []int
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	self.callbackId += 1
	callbackId := self.callbackId
	self.callbacks[callbackId] = callback
	self.ordered = append(slices.Clone(self.ordered), callbackId)
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
		if i := slices.Index(self.ordered, callbackId); 0 <= i {
			self.ordered = slices.Delete(slices.Clone(self.ordered), i, i+1)
		}
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.callbacks))
	for _, callbackId := range self.ordered {
		if callback, ok := self.callbacks[callbackId]; ok {
			callbacks = append(callbacks, callback)
		}
	}
	return callbacks
}

func (self *callbackList[T]) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
