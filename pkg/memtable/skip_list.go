// A skip list maintains multiple forward-pointer layers over a sorted linked list. Each node is
// promoted to higher levels with probability p, forming express lanes that let searches skip over
// large ranges. Unlike a textbook skip list keyed by a cmp.Ordered type, this one is keyed by key.Key
// and always routes through key.Compare, so the snapshot-id inversion is honored automatically by
// every Get/Set/Delete/Ascend/Descend call — there is no second place in this file that reimplements
// ordering.
//
// Level-0 nodes carry both forward and backward pointers, so a reverse range scan doesn't need to
// collect and reverse a forward walk; it walks the same doubly linked base level backward.
package memtable

import (
	"math/rand"
	"time"

	"github.com/hungtd9/heftydb/pkg/key"
)

const (
	maxLevel    = 16
	promoteProb = 0.25
)

type node struct {
	k        key.Key
	v        key.Value
	forwards []*node // forward pointers per level (0..level-1)
	prev     *node   // backward pointer at level 0 only
}

// skipList is a probabilistically balanced ordered map keyed by key.Key. It is not internally
// synchronized; callers (memtable.Table) provide their own locking.
type skipList struct {
	head  *node
	tail  *node // last node at level 0, for O(1) reverse-scan start
	level int
	size  int
	rnd   *rand.Rand
}

func newSkipList() *skipList {
	return &skipList{
		head:  &node{forwards: make([]*node, maxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *skipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rnd.Float64() < promoteProb {
		lvl++
	}
	return lvl
}

// Len returns the number of entries.
func (s *skipList) Len() int { return s.size }

// Get returns the value stored exactly at k (bytes and snapshot id both matching), if any.
func (s *skipList) Get(k key.Key) (key.Value, bool) {
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && key.Compare(next.k, k) < 0; next = n.forwards[lvl] {
			n = next
		}
	}
	n = n.forwards[0]
	if n != nil && key.Equal(n.k, k) {
		return n.v, true
	}
	return nil, false
}

// Set inserts or overwrites the value at k.
func (s *skipList) Set(k key.Key, v key.Value) {
	update := make([]*node, maxLevel)
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && key.Compare(next.k, k) < 0; next = n.forwards[lvl] {
			n = next
		}
		update[lvl] = n
	}
	if next := n.forwards[0]; next != nil && key.Equal(next.k, k) {
		next.v = v
		return
	}
	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}
	newNode := &node{k: k, v: v, forwards: make([]*node, lvl), prev: update[0]}
	for i := 0; i < lvl; i++ {
		newNode.forwards[i] = update[i].forwards[i]
		update[i].forwards[i] = newNode
	}
	if newNode.forwards[0] != nil {
		newNode.forwards[0].prev = newNode
	} else {
		s.tail = newNode
	}
	s.size++
}

// Delete removes the entry at k, reporting whether it existed.
func (s *skipList) Delete(k key.Key) bool {
	update := make([]*node, maxLevel)
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && key.Compare(next.k, k) < 0; next = n.forwards[lvl] {
			n = next
		}
		update[lvl] = n
	}
	target := n.forwards[0]
	if target == nil || !key.Equal(target.k, k) {
		return false
	}
	for i := 0; i < s.level; i++ {
		if update[i].forwards[i] == target {
			update[i].forwards[i] = target.forwards[i]
		}
	}
	if target.forwards[0] != nil {
		target.forwards[0].prev = target.prev
	} else {
		s.tail = target.prev
	}
	for s.level > 1 && s.head.forwards[s.level-1] == nil {
		s.level--
	}
	s.size--
	return true
}

// seekFirstGTE returns the first node whose key is >= k, or nil if none.
func (s *skipList) seekFirstGTE(k key.Key) *node {
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && key.Compare(next.k, k) < 0; next = n.forwards[lvl] {
			n = next
		}
	}
	return n.forwards[0]
}

// seekLastLTE returns the last node whose key is <= k, or nil if none.
func (s *skipList) seekLastLTE(k key.Key) *node {
	n := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := n.forwards[lvl]; next != nil && key.Compare(next.k, k) <= 0; next = n.forwards[lvl] {
			n = next
		}
	}
	if n == s.head {
		return nil
	}
	return n
}
