package cache

type node[T any] struct {
	data T
	prev *node[T]
	next *node[T]
}

// doublyLinkedList is the recency list of the cache: head is the most
// recently used element, tail the next eviction victim.
type doublyLinkedList[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

func newDoublyLinkedList[T any]() *doublyLinkedList[T] {
	return &doublyLinkedList[T]{}
}

func (dll *doublyLinkedList[T]) count() int {
	return dll.size
}

func (dll *doublyLinkedList[T]) addToHead(data T) *node[T] {
	n := &node[T]{data: data}
	dll.linkHead(n)
	dll.size++
	return n
}

func (dll *doublyLinkedList[T]) linkHead(n *node[T]) {
	n.prev = nil
	n.next = dll.head
	if dll.head != nil {
		dll.head.prev = n
	} else {
		dll.tail = n
	}
	dll.head = n
}

// moveToHead relinks n as the head without changing the size.
func (dll *doublyLinkedList[T]) moveToHead(n *node[T]) {
	if n == nil || n == dll.head {
		return
	}
	dll.unlink(n)
	dll.linkHead(n)
}

// deleteFromTail removes and returns the tail data.
func (dll *doublyLinkedList[T]) deleteFromTail() (T, bool) {
	var d T
	if dll.tail == nil {
		return d, false
	}
	n := dll.tail
	dll.unlink(n)
	dll.size--
	return n.data, true
}

func (dll *doublyLinkedList[T]) delete(n *node[T]) bool {
	if n == nil {
		return false
	}
	dll.unlink(n)
	dll.size--
	return true
}

func (dll *doublyLinkedList[T]) unlink(n *node[T]) {
	if n == dll.head {
		dll.head = n.next
	}
	if n == dll.tail {
		dll.tail = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.next = nil
	n.prev = nil
}
