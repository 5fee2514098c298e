package scheduler

import (
	"time"

	"github.com/google/btree"
)

// btreeDegree is the branching factor of the due index.
const btreeDegree = 8

// entry is one scheduled firing: the job id, its next-run timestamp and
// the insertion sequence used to break ties between equal timestamps.
type entry struct {
	next time.Time
	seq  uint64
	id   string
}

func entryLess(a, b entry) bool {
	if !a.next.Equal(b.next) {
		return a.next.Before(b.next)
	}
	return a.seq < b.seq
}

// queue is a min-priority queue of entries keyed by (next, seq). The index
// map gives O(1) lookup of a job's current entry so removal stays
// O(log n).
type queue struct {
	tree  *btree.BTreeG[entry]
	index map[string]entry
	seq   uint64
}

func newQueue() *queue {
	return &queue{
		tree:  btree.NewG(btreeDegree, entryLess),
		index: make(map[string]entry),
	}
}

// push inserts id at next, replacing any entry it already had.
func (q *queue) push(id string, next time.Time) entry {
	q.remove(id)
	q.seq++
	e := entry{next: next, seq: q.seq, id: id}
	q.tree.ReplaceOrInsert(e)
	q.index[id] = e
	return e
}

// remove deletes the entry for id. It reports whether one existed.
func (q *queue) remove(id string) bool {
	e, ok := q.index[id]
	if !ok {
		return false
	}
	q.tree.Delete(e)
	delete(q.index, id)
	return true
}

// peek returns the earliest entry without removing it.
func (q *queue) peek() (entry, bool) {
	return q.tree.Min()
}

// popDue removes and returns, earliest first, every entry whose next-run
// is at or before deadline.
func (q *queue) popDue(deadline time.Time) []entry {
	var due []entry
	for {
		e, ok := q.tree.Min()
		if !ok || e.next.After(deadline) {
			return due
		}
		q.tree.DeleteMin()
		delete(q.index, e.id)
		due = append(due, e)
	}
}

// get returns the current entry of id.
func (q *queue) get(id string) (entry, bool) {
	e, ok := q.index[id]
	return e, ok
}

func (q *queue) len() int { return q.tree.Len() }
