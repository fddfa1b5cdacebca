package unison

import "sort"

// ledger is the change ledger: the per-session sets of pending-new, dirty
// and pending-delete instances. The sets are disjoint at all times; delete
// takes precedence over new and dirty membership. The ledger survives
// failed flushes and is cleared only when a flush completes successfully.
type ledger struct {
	news    map[*instanceState]struct{}
	dirties map[*instanceState]struct{}
	dels    map[*instanceState]struct{}
}

func newLedger() *ledger {
	return &ledger{
		news:    make(map[*instanceState]struct{}),
		dirties: make(map[*instanceState]struct{}),
		dels:    make(map[*instanceState]struct{}),
	}
}

// markNew records st as pending-new. Idempotent. Ignored when st is
// already scheduled for deletion.
func (l *ledger) markNew(st *instanceState) {
	if _, ok := l.dels[st]; ok {
		return
	}
	l.news[st] = struct{}{}
}

// markDirty records st as modified. Idempotent. Pending-new and
// pending-delete instances are not additionally tracked as dirty.
func (l *ledger) markDirty(st *instanceState) {
	if _, ok := l.news[st]; ok {
		return
	}
	if _, ok := l.dels[st]; ok {
		return
	}
	l.dirties[st] = struct{}{}
}

// markDeleted records st as pending-delete, superseding any new or dirty
// membership. Idempotent.
func (l *ledger) markDeleted(st *instanceState) {
	delete(l.news, st)
	delete(l.dirties, st)
	l.dels[st] = struct{}{}
}

// unmarkDirty drops st from the dirty set only, used when expiring or
// reloading an instance discards its pending modifications.
func (l *ledger) unmarkDirty(st *instanceState) {
	delete(l.dirties, st)
}

// unmarkDeleted cancels a pending delete, typically on rollback
// resurrection or when a deleted instance is re-added.
func (l *ledger) unmarkDeleted(st *instanceState) {
	delete(l.dels, st)
}

// remove drops st from all three sets (expunge or post-flush detach).
func (l *ledger) remove(st *instanceState) {
	delete(l.news, st)
	delete(l.dirties, st)
	delete(l.dels, st)
}

// contains reports whether st is tracked in any set.
func (l *ledger) contains(st *instanceState) bool {
	if _, ok := l.news[st]; ok {
		return true
	}
	if _, ok := l.dirties[st]; ok {
		return true
	}
	_, ok := l.dels[st]
	return ok
}

// empty reports whether no work is pending.
func (l *ledger) empty() bool {
	return len(l.news) == 0 && len(l.dirties) == 0 && len(l.dels) == 0
}

// snapshot returns the three disjoint sets as slices in session insertion
// order, for reproducible flush planning.
func (l *ledger) snapshot() (news, dirties, dels []*instanceState) {
	return sortedStates(l.news), sortedStates(l.dirties), sortedStates(l.dels)
}

// clear empties all three sets. Invoked after a successful flush.
func (l *ledger) clear() {
	l.news = make(map[*instanceState]struct{})
	l.dirties = make(map[*instanceState]struct{})
	l.dels = make(map[*instanceState]struct{})
}

func sortedStates(set map[*instanceState]struct{}) []*instanceState {
	out := make([]*instanceState, 0, len(set))
	for st := range set {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
