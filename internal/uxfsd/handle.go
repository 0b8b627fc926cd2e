package uxfsd

// Handle is an open-file handle (component E): the per-open state created by
// OpenFile/CreateFile and torn down by ReleaseFileHandle. Its contents are
// seeded once, at open time: a read-only open of a non-USER entry gets the
// bytes fetched by a controller Read, a read-capable open of a USER entry
// with a retained Buffer gets a copy of that buffer, and every other open
// starts empty. A handle opened for writing accumulates via WriteAt until
// release, at which point the accumulated bytes are delivered to the
// controller in one shot and, for a USER entry, also kept as the entry's
// retained buffer.
type Handle struct {
	Entry    *Entry
	Writable bool

	// buf holds the handle's private view: the full read contents for a
	// READ handle, or the bytes accumulated so far for a WRITE handle. It is
	// independent of the entry's own retained Buffer, per spec.md §4.E:
	// concurrent opens of the same entry never see each other's unreleased
	// writes.
	buf *Buffer
}

// NewReadHandle returns a handle seeded with the given contents for reading.
func NewReadHandle(e *Entry, contents []byte) *Handle {
	b := NewBuffer()
	b.WriteAt(0, contents)
	return &Handle{Entry: e, Writable: false, buf: b}
}

// NewWriteHandle returns an empty handle that accumulates writes.
func NewWriteHandle(e *Entry) *Handle {
	return &Handle{Entry: e, Writable: true, buf: NewBuffer()}
}

// ReadAt serves a read(2) against the handle's buffered contents.
func (h *Handle) ReadAt(offset, size int) []byte {
	return h.buf.ReadAt(offset, size)
}

// WriteAt accumulates a write(2) into the handle's buffer. Only valid on a
// writable handle; callers must check Writable before calling (the FS
// Operation Layer sets Writable exactly when the handle was opened for
// writing).
func (h *Handle) WriteAt(offset int, data []byte) {
	h.buf.WriteAt(offset, data)
}

// Size returns the handle's current content length.
func (h *Handle) Size() int {
	return h.buf.Size()
}

// Contents returns the full accumulated bytes, for delivery to the
// controller (or the entry's retained buffer) on release.
func (h *Handle) Contents() []byte {
	return append([]byte(nil), h.buf.Bytes()...)
}
