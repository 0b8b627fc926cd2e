package uxfsd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/net/context"
)

// readChunk is the size of each raw read from the controller's stdout,
// mirroring the line-at-a-time refill loop of the original C channel (which
// grew its buffer by LINE_MAX on each short read).
const readChunk = 4096

// DirDeclaration is one line of a DIR directive's data block: a path paired
// with the raw mode letters the controller used to describe it. The caller
// (the FS Operation Layer) parses the letters with ParseModeLetters and
// upserts the entry, all under the single bridge lock, per spec.md §5.
type DirDeclaration struct {
	Path string
	Mode string
}

// Directives captures the inline, out-of-band namespace mutations that may
// ride along any status line, per spec.md §4.D.
type Directives struct {
	Quit bool
	Dirs []DirDeclaration
}

// Channel is the full-duplex pipe connection to the controller child
// (component D). It is not safe for concurrent use; callers serialize
// access to it with the bridge's single mutex, matching spec.md §5's
// requirement that a second command never begins before the first's
// response has been fully consumed.
type Channel struct {
	in     io.Reader
	out    io.Writer
	recv   *Buffer
	logger *Logger
}

// NewChannel wraps the read end of the controller's stdout (in) and the
// write end of its stdin (out).
func NewChannel(in io.Reader, out io.Writer, logger *Logger) *Channel {
	return &Channel{in: in, out: out, recv: NewBuffer(), logger: logger}
}

// readLine blocks until a full LF-terminated line is available, refilling
// from the underlying pipe as needed.
func (c *Channel) readLine() (string, error) {
	for {
		if line, ok := c.recv.Consume(); ok {
			c.logger.Received(string(line))
			return string(line), nil
		}

		chunk := make([]byte, readChunk)
		n, err := c.in.Read(chunk)
		if n > 0 {
			c.recv.AppendRaw(chunk[:n])
		}
		if err != nil {
			return "", err
		}
	}
}

func (c *Channel) writeLine(line string) error {
	c.logger.Sent(line)
	_, err := io.WriteString(c.out, line+"\n")
	return err
}

// escapeDataLine applies the wire escape: a line that itself begins with
// "." gets an extra "." prepended.
func escapeDataLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// unescapeDataLine is escapeDataLine's inverse.
func unescapeDataLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return line[1:]
	}
	return line
}

// writeDataBlock sends data as a sequence of escaped lines terminated by a
// lone ".".
func (c *Channel) writeDataBlock(data []byte) error {
	lines := splitLines(data)
	for _, l := range lines {
		if err := c.writeLine(escapeDataLine(l)); err != nil {
			return err
		}
	}
	return c.writeLine(".")
}

// readDataBlock reads lines until a lone "." terminator, unescaping and
// reassembling them into the original byte content.
func (c *Channel) readDataBlock() ([]byte, error) {
	var sb strings.Builder
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("reading data block: %w", err)
		}
		if line == "." {
			return []byte(sb.String()), nil
		}

		sb.WriteString(unescapeDataLine(line))
		sb.WriteByte('\n')
	}
}

// splitLines breaks data into lines the way the wire protocol expects: one
// entry per LF-terminated line, with a final unterminated remainder (if
// any) sent as its own line. An empty input produces a single empty line,
// so that writing zero-length content still emits exactly one (possibly
// escaped) line before the terminator.
func splitLines(data []byte) []string {
	s := string(data)
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

// readStatus reads one status line, splitting it on ";" into the leading
// +OK/-ERR token and any trailing directives, applying DIR's nested data
// block as it goes. A status token other than +OK/-ERR, or an unrecognized
// directive word, is a fatal protocol error (spec.md §4.D, §7).
func (c *Channel) readStatus() (ok bool, directives Directives, err error) {
	line, err := c.readLine()
	if err != nil {
		return false, Directives{}, err
	}

	parts := strings.Split(line, ";")
	switch parts[0] {
	case "+OK":
		ok = true
	case "-ERR":
		ok = false
	default:
		return false, Directives{}, fmt.Errorf("malformed status line %q", line)
	}

	for _, raw := range parts[1:] {
		word := strings.TrimSpace(raw)
		switch {
		case word == "QUIT":
			directives.Quit = true

		case word == "DIR":
			block, derr := c.readDataBlock()
			if derr != nil {
				return false, Directives{}, derr
			}
			for _, l := range strings.Split(strings.TrimSuffix(string(block), "\n"), "\n") {
				if l == "" {
					continue
				}
				idx := strings.IndexByte(l, ' ')
				if idx < 0 {
					return false, Directives{}, fmt.Errorf("malformed DIR entry %q", l)
				}
				directives.Dirs = append(directives.Dirs, DirDeclaration{
					Path: l[:idx],
					Mode: l[idx+1:],
				})
			}

		default:
			return false, Directives{}, fmt.Errorf("unknown directive %q", word)
		}
	}

	return ok, directives, nil
}

// Init sends the startup INIT command.
func (c *Channel) Init() (directives Directives, err error) {
	_, report := reqtrace.Trace(context.Background(), "uxfsd.Channel.Init")
	defer func() { report(&err) }()

	if err = c.writeLine("INIT"); err != nil {
		return Directives{}, err
	}

	ok, directives, err := c.readStatus()
	if err != nil {
		return Directives{}, err
	}
	if !ok {
		return Directives{}, fmt.Errorf("controller rejected INIT")
	}
	return directives, nil
}

// Read requests the contents of a non-USER file.
func (c *Channel) Read(path string) (data []byte, directives Directives, err error) {
	_, report := reqtrace.Trace(context.Background(), "uxfsd.Channel.Read(%s)", path)
	defer func() { report(&err) }()

	if err = c.writeLine("READ " + path); err != nil {
		return nil, Directives{}, err
	}

	ok, directives, err := c.readStatus()
	if err != nil {
		return nil, Directives{}, err
	}
	if !ok {
		return nil, directives, errControllerRejected
	}

	data, err = c.readDataBlock()
	if err != nil {
		return nil, Directives{}, err
	}
	return data, directives, nil
}

// Write delivers the buffered contents of a closed, WRITE-capable handle.
func (c *Channel) Write(path string, data []byte) (directives Directives, err error) {
	_, report := reqtrace.Trace(context.Background(), "uxfsd.Channel.Write(%s)", path)
	defer func() { report(&err) }()

	if err = c.writeLine("WRITE " + path); err != nil {
		return Directives{}, err
	}
	if err = c.writeDataBlock(data); err != nil {
		return Directives{}, err
	}

	ok, directives, err := c.readStatus()
	if err != nil {
		return Directives{}, err
	}
	if !ok {
		return directives, errControllerRejected
	}
	return directives, nil
}

// FileOp delivers an inline namespace-mutation directive: verb is one of
// rename/unlink/mkdir/rmdir, and args supplies its positional arguments
// (e.g. rename's from/to pair).
func (c *Channel) FileOp(verb string, args ...string) (directives Directives, err error) {
	_, report := reqtrace.Trace(context.Background(), "uxfsd.Channel.FileOp(%s)", verb)
	defer func() { report(&err) }()

	if err = c.writeLine("FILEOP"); err != nil {
		return Directives{}, err
	}

	lines := append([]string{verb}, args...)
	if err = c.writeDataBlock([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		return Directives{}, err
	}

	ok, directives, err := c.readStatus()
	if err != nil {
		return Directives{}, err
	}
	if !ok {
		return directives, errControllerRejected
	}
	return directives, nil
}

// errControllerRejected is returned when the controller replies -ERR to a
// command. It carries no detail beyond that, matching spec.md §7: "surfaced
// as a generic error to the caller, no retry."
var errControllerRejected = fmt.Errorf("controller returned -ERR")
