package hio

// cfmbNode is a Check-and-Free Memory Block: a node queued on the host
// whose checker decides when its freer may run. This lets callback-owned
// data (e.g. a TLS handshake scratch buffer referenced by an in-flight
// syscall) outlive the callback that created it without the host needing
// to know its concrete type. Grounded on original_source/lib/hio.c's cfmb
// list, which spec.md §3 only mentions in passing.
type cfmbNode struct {
	checker func() bool
	freer   func()
	prev    *cfmbNode
	next    *cfmbNode
}

// cfmbList is a doubly linked list of cfmbNode, matching spec.md §3's
// "cfmb — head of a doubly linked list".
type cfmbList struct {
	head *cfmbNode
	tail *cfmbNode
}

// Add queues a new node, returning it so the caller may later Remove it
// manually (e.g. on device teardown) even before the checker fires.
func (l *cfmbList) Add(checker func() bool, freer func()) *cfmbNode {
	n := &cfmbNode{checker: checker, freer: freer}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	return n
}

// Remove unlinks n without invoking its freer.
func (l *cfmbList) Remove(n *cfmbNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// Reap walks the list once, freeing (and unlinking) every node whose
// checker currently returns true. This is step 1 of the per-iteration
// loop in spec.md §2: "Reap unneeded CFMB opportunistically."
func (l *cfmbList) Reap() {
	n := l.head
	for n != nil {
		next := n.next
		if n.checker() {
			l.Remove(n)
			n.freer()
		}
		n = next
	}
}
