package uxfsd

import (
	"sync"

	"github.com/jacobsa/timeutil"
)

// Bridge is the single process-wide piece of shared state described in
// spec.md §5: one table, one controller channel, one mutex guarding both.
// A *Bridge is constructed once at startup (component G) and threaded
// through every FS method as the receiver's state, rather than hidden in
// package-level globals, per spec.md §9's "model this as an explicitly
// constructed context value" note.
type Bridge struct {
	mu sync.Mutex

	Table   *Table
	Channel *Channel
	Clock   timeutil.Clock

	// Uid/Gid are propagated into every synthesized InodeAttributes as the
	// owner, per spec.md §4.F ("owner uid/gid = invoking user's"). They are
	// the bridge process's own ids, captured once at startup.
	Uid uint32
	Gid uint32

	// PropagateOtherUsers mirrors the "-o" allow-other-users mount option:
	// when set, owner read/write/execute bits are copied to group and other
	// in synthesized attributes (spec.md §4.F).
	PropagateOtherUsers bool

	Logger *Logger

	nextHandle uint64
	handles    map[uint64]*Handle
	dirHandles map[uint64][]*Entry

	// Exit requests the dispatcher's clean unmount. applyDirectives calls it
	// when a QUIT directive arrives; channel errors are returned to the
	// calling FS method and do not call Exit.
	Exit func()
}

// NewBridge wires a Table and Channel together under one lock.
func NewBridge(table *Table, channel *Channel, clock timeutil.Clock, logger *Logger, exit func()) *Bridge {
	return &Bridge{
		Table:      table,
		Channel:    channel,
		Clock:      clock,
		Logger:     logger,
		Exit:       exit,
		nextHandle: 1,
		handles:    make(map[uint64]*Handle),
		dirHandles: make(map[uint64][]*Entry),
	}
}

func (br *Bridge) allocHandle() uint64 {
	id := br.nextHandle
	br.nextHandle++
	return id
}

// applyDirectives upserts any DIR entries and, if QUIT was set, invokes Exit.
// Must be called with br.mu held; this is how spec.md §5's "inline
// directives are applied before the lock is released" guarantee is met.
func (br *Bridge) applyDirectives(d Directives) {
	now := br.Clock.Now()
	for _, decl := range d.Dirs {
		mode := ParseModeLetters(decl.Mode, func(letter byte) {
			br.Logger.Warnf("unknown mode letter %q in DIR directive for %s", letter, decl.Path)
		})
		br.Table.Upsert(decl.Path, mode, now)
	}

	if d.Quit {
		br.Logger.Infof("QUIT directive received, unmounting")
		if br.Exit != nil {
			br.Exit()
		}
	}
}

// joinChild builds the absolute path of a name under a parent directory's
// path, matching the table's "no trailing slash except root" convention.
func joinChild(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}
