package uvm

// ElementMapper provides an identity mapping by default.
//
// This can be replaced to provide a struct that maps elements to linker
// objects, if they are not the same. An ElementMapper is not typically
// required if: Linker is left as is, Element is left as is, or Linker and
// Element are the same type.
type userChannelElementMapper struct{}

// linkerFor maps an Element to a Linker.
//
// This default implementation should be inlined.
//
//go:nosplit
func (userChannelElementMapper) linkerFor(elem *UserChannel) *UserChannel { return elem }

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type userChannelList struct {
	head *UserChannel
	tail *UserChannel
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *userChannelList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *userChannelList) Front() *UserChannel {
	return l.head
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
//
//go:nosplit
func (l *userChannelList) Len() (count int) {
	for e := l.Front(); e != nil; e = (userChannelElementMapper{}.linkerFor(e)).Next() {
		count++
	}
	return count
}

// PushBack inserts the element e at the back of list l.
//
//go:nosplit
func (l *userChannelList) PushBack(e *UserChannel) {
	linker := userChannelElementMapper{}.linkerFor(e)
	linker.SetNext(nil)
	linker.SetPrev(l.tail)
	if l.tail != nil {
		userChannelElementMapper{}.linkerFor(l.tail).SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// Remove removes e from l.
//
//go:nosplit
func (l *userChannelList) Remove(e *UserChannel) {
	linker := userChannelElementMapper{}.linkerFor(e)
	prev := linker.Prev()
	next := linker.Next()

	if prev != nil {
		userChannelElementMapper{}.linkerFor(prev).SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		userChannelElementMapper{}.linkerFor(next).SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	linker.SetNext(nil)
	linker.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type userChannelEntry struct {
	next *UserChannel
	prev *UserChannel
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *userChannelEntry) Next() *UserChannel {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *userChannelEntry) Prev() *UserChannel {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *userChannelEntry) SetNext(elem *UserChannel) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *userChannelEntry) SetPrev(elem *UserChannel) {
	e.prev = elem
}
