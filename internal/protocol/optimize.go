package protocol

import "sort"

// OptimizeStats describes what Optimize changed.
type OptimizeStats struct {
	In           int
	Out          int
	Reordered    bool
	TrailingNops int
	Duplicates   int
}

func (s OptimizeStats) Changed() bool { return s.Reordered || s.In != s.Out }

// Optimize canonicalizes one batch of messages in place: stable sort by the
// total order, drop the trailing run of Nop, then drop consecutive exact
// duplicates. It never looks beyond the batch and is idempotent.
func Optimize(msgs []Msg) ([]Msg, OptimizeStats) {
	st := OptimizeStats{In: len(msgs)}

	less := func(i, j int) bool { return Compare(msgs[i], msgs[j]) < 0 }
	if !sort.SliceIsSorted(msgs, less) {
		sort.SliceStable(msgs, less)
		st.Reordered = true
	}

	n := len(msgs)
	for n > 0 && msgs[n-1].Op() == OpNop {
		n--
	}
	st.TrailingNops = len(msgs) - n
	clear(msgs[n:])
	msgs = msgs[:n]

	w := 0
	for r := range msgs {
		if w > 0 && msgs[r] == msgs[w-1] {
			st.Duplicates++
			continue
		}
		msgs[w] = msgs[r]
		w++
	}
	clear(msgs[w:])
	msgs = msgs[:w]

	st.Out = len(msgs)
	return msgs, st
}

// UnsafePass is a batch rewrite that relies on game-mechanic knowledge the
// codec does not have. Passes are never applied by Optimize; callers opt in
// through OptimizeUnsafe and own the correctness of whatever they plug in.
type UnsafePass func(msgs []Msg) []Msg

// OptimizeUnsafe runs Optimize, then each pass, then Optimize again so the
// result is still canonical.
func OptimizeUnsafe(msgs []Msg, passes ...UnsafePass) ([]Msg, OptimizeStats) {
	in := len(msgs)
	msgs, st := Optimize(msgs)
	for _, pass := range passes {
		msgs = pass(msgs)
	}
	msgs, st2 := Optimize(msgs)
	st2.In = in
	st2.Reordered = st2.Reordered || st.Reordered
	st2.TrailingNops += st.TrailingNops
	st2.Duplicates += st.Duplicates
	return msgs, st2
}
