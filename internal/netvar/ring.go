package netvar

// record is one accepted mutation, as kept in the delta log and the
// pending flush queue.
type record struct {
	seq      uint64
	scope    string
	op       string
	nameID   uint16
	clientNo uint16
	value    string
}

// deltaRing is a fixed-capacity log of the most recent records. Sequence
// numbers inside the ring are contiguous, so the oldest retained sequence
// is derivable from the current sequence and the fill level.
type deltaRing struct {
	buf  []record
	head int
	n    int
}

func newDeltaRing(capacity int) deltaRing {
	return deltaRing{buf: make([]record, capacity)}
}

func (r *deltaRing) push(rec record) {
	if r.n == len(r.buf) {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.n)%len(r.buf)] = rec
	r.n++
}

func (r *deltaRing) size() int { return r.n }

// since returns, in ascending sequence order, every retained record with
// a sequence strictly greater than seq.
func (r *deltaRing) since(seq uint64) []record {
	if r.n == 0 {
		return nil
	}

	oldest := r.buf[r.head].seq
	if seq+1 < oldest {
		// Caller is behind the ring; it needs a snapshot, not a delta.
		seq = oldest - 1
	}
	newest := r.buf[(r.head+r.n-1)%len(r.buf)].seq
	if seq >= newest {
		return nil
	}

	out := make([]record, 0, newest-seq)
	start := int(seq + 1 - oldest)
	for i := start; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
