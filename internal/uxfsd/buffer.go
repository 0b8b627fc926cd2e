// Package uxfsd implements the uxfs bridge: an in-memory namespace backed by
// an external controller program, exposed through the fuse.FileSystem
// interface.
package uxfsd

import "bytes"

// lineSlack is the minimum extra capacity reserved whenever a Buffer grows,
// so that a run of small appends doesn't reallocate on every call.
const lineSlack = 4096

// Buffer is a dynamically grown byte buffer shared by every part of the
// bridge that needs either line-oriented I/O (the controller channel's data
// blocks) or random-access byte storage (an open file handle, an entry's
// retained contents). It never shrinks.
//
// Two cursors delimit the buffer's state: here marks how much of the front
// of the buffer has been consumed by line extraction, and end marks the
// extent of valid data. Random-access callers (Handle, File Entry) ignore
// here and address bytes directly via ReadAt/WriteAt; line-oriented callers
// (the Controller Channel) use AppendLine/Peek/Consume.
type Buffer struct {
	data []byte
	here int
	end  int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// grow ensures at least n more bytes can be appended at end without another
// allocation any time soon.
func (b *Buffer) grow(n int) {
	need := b.end + n
	if need <= cap(b.data) {
		return
	}

	newCap := need + lineSlack
	newData := make([]byte, len(b.data), newCap)
	copy(newData, b.data)
	b.data = newData
}

// AppendLine appends line followed by a single LF terminator.
func (b *Buffer) AppendLine(line []byte) {
	b.grow(len(line) + 1)
	b.data = b.data[:b.end+len(line)+1]
	copy(b.data[b.end:], line)
	b.data[b.end+len(line)] = '\n'
	b.end += len(line) + 1
}

// Peek returns the next LF-delimited line starting at the read cursor,
// without consuming it. ok is false if no full line is available yet
// (the caller should read more data and try again).
func (b *Buffer) Peek() (line []byte, ok bool) {
	idx := bytes.IndexByte(b.data[b.here:b.end], '\n')
	if idx < 0 {
		return nil, false
	}

	return b.data[b.here : b.here+idx], true
}

// Consume is like Peek, but advances the read cursor past the line and its
// terminator, compacting the buffer once the consumed prefix grows large.
func (b *Buffer) Consume() (line []byte, ok bool) {
	idx := bytes.IndexByte(b.data[b.here:b.end], '\n')
	if idx < 0 {
		return nil, false
	}

	line = append([]byte(nil), b.data[b.here:b.here+idx]...)
	b.here += idx + 1

	// Compact once the unread tail is small relative to the consumed prefix,
	// so a long-lived buffer (e.g. the channel's receive buffer) doesn't grow
	// without bound.
	if b.here > lineSlack && b.here*2 > b.end {
		remaining := b.end - b.here
		copy(b.data, b.data[b.here:b.end])
		b.data = b.data[:remaining]
		b.end = remaining
		b.here = 0
	}

	return line, true
}

// AppendRaw appends data with no terminator, for use by random-access
// callers that want to extend the buffer's valid extent.
func (b *Buffer) AppendRaw(data []byte) {
	b.grow(len(data))
	b.data = b.data[:b.end+len(data)]
	copy(b.data[b.end:], data)
	b.end += len(data)
}

// Len returns the number of valid, unread bytes currently stored.
func (b *Buffer) Len() int {
	return b.end - b.here
}

// Bytes returns the unread portion of the buffer. The caller must not
// retain a reference past the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.here:b.end]
}

// Size returns the total extent of valid data, ignoring the read cursor.
// Open-file handles use this as their write frontier.
func (b *Buffer) Size() int {
	return b.end
}

// ReadAt returns up to size bytes starting at offset, measured from the
// start of the buffer's valid data (offset 0, not the read cursor). It
// returns fewer bytes at EOF and never errors.
func (b *Buffer) ReadAt(offset, size int) []byte {
	if offset >= b.end {
		return nil
	}

	stop := offset + size
	if stop > b.end {
		stop = b.end
	}

	return append([]byte(nil), b.data[offset:stop]...)
}

// WriteAt copies data into the buffer starting at offset, growing the
// buffer as needed and advancing end to max(end, offset+len(data)). Any
// gap between the previous end and offset is left untouched (whatever was
// previously resident there), per the open question in spec.md §9.
func (b *Buffer) WriteAt(offset int, data []byte) {
	need := offset + len(data)
	if need > cap(b.data) {
		newData := make([]byte, len(b.data), need+lineSlack)
		copy(newData, b.data)
		b.data = newData
	}

	if need > len(b.data) {
		b.data = b.data[:need]
	}

	copy(b.data[offset:], data)

	if need > b.end {
		b.end = need
	}
}

// Copy returns a deep clone of b, including both cursors.
func (b *Buffer) Copy() *Buffer {
	clone := &Buffer{
		data: append([]byte(nil), b.data...),
		here: b.here,
		end:  b.end,
	}
	return clone
}
