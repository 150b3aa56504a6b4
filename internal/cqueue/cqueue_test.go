package cqueue

import (
	"bytes"
	"testing"
)

func TestPushPeekPop(t *testing.T) {
	q := New(0)
	q.Push([]byte{1, 2, 3, 4, 5})
	if q.Size() != 5 {
		t.Fatalf("size = %d, want 5", q.Size())
	}

	peeked := q.Peek(3)
	if !bytes.Equal(peeked, []byte{1, 2, 3}) {
		t.Fatalf("peek = %v, want [1 2 3]", peeked)
	}
	if q.Size() != 5 {
		t.Fatalf("peek must not consume: size = %d", q.Size())
	}

	popped := q.Pop(2)
	if !bytes.Equal(popped, []byte{1, 2}) {
		t.Fatalf("pop = %v, want [1 2]", popped)
	}
	if q.Size() != 3 {
		t.Fatalf("size after pop = %d, want 3", q.Size())
	}

	rest := q.Pop(3)
	if !bytes.Equal(rest, []byte{3, 4, 5}) {
		t.Fatalf("rest = %v, want [3 4 5]", rest)
	}
	if q.Size() != 0 {
		t.Fatalf("queue should be empty, size = %d", q.Size())
	}
}

func TestDiscardOldestForOverflowCap(t *testing.T) {
	q := New(0)
	q.Push([]byte{1, 2, 3, 4, 5})
	const cap = 3
	if q.Size() > cap {
		q.Discard(q.Size() - cap)
	}
	if q.Size() != cap {
		t.Fatalf("size = %d, want %d", q.Size(), cap)
	}
	if got := q.Peek(cap); !bytes.Equal(got, []byte{3, 4, 5}) {
		t.Fatalf("after overflow trim = %v, want [3 4 5] (oldest dropped)", got)
	}
}
