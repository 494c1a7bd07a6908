package session

// DefaultBufferMaxBytes is the default output buffer capacity. 1 MiB keeps
// several screens of scrollback for even very chatty programs.
const DefaultBufferMaxBytes = 1024 * 1024

// ring is a byte-bounded buffer of output chunks. Every byte ever appended
// has an absolute offset; the buffer retains the bytes in [start, end).
// Clients use offsets as cursors ("give me everything after N").
//
// ring is not safe for concurrent use; Session guards it with its lock.
type ring struct {
	capacity int
	chunks   []ringChunk
	size     int
	start    uint64
	end      uint64
}

type ringChunk struct {
	offset uint64
	data   []byte
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultBufferMaxBytes
	}
	return &ring{capacity: capacity}
}

// append stores chunk, evicting the oldest chunks until the buffer fits.
// A chunk larger than the whole capacity keeps only its tail.
func (r *ring) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	offset := r.end
	r.end += uint64(len(chunk))

	if len(chunk) > r.capacity {
		skip := len(chunk) - r.capacity
		chunk = chunk[skip:]
		offset += uint64(skip)
	}

	for r.size+len(chunk) > r.capacity && len(r.chunks) > 0 {
		r.size -= len(r.chunks[0].data)
		r.chunks[0] = ringChunk{}
		r.chunks = r.chunks[1:]
	}

	r.chunks = append(r.chunks, ringChunk{offset: offset, data: chunk})
	r.size += len(chunk)
	r.start = r.chunks[0].offset
}

// readFrom returns a copy of every retained byte at or after cursor. A
// cursor older than the retained window yields everything retained.
func (r *ring) readFrom(cursor uint64) []byte {
	if cursor < r.start {
		cursor = r.start
	}
	if cursor >= r.end {
		return nil
	}
	out := make([]byte, 0, r.end-cursor)
	for _, c := range r.chunks {
		chunkEnd := c.offset + uint64(len(c.data))
		if chunkEnd <= cursor {
			continue
		}
		from := 0
		if cursor > c.offset {
			from = int(cursor - c.offset)
		}
		out = append(out, c.data[from:]...)
	}
	return out
}

func (r *ring) bytes() []byte {
	return r.readFrom(r.start)
}

func (r *ring) len() int {
	return r.size
}
