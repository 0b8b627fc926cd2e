package uxfsd

import (
	"bufio"
	"io"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestChannel(t *testing.T) { RunTests(t) }

// fakeController is a minimal in-process stand-in for a controller child,
// speaking the same line protocol over an io.Pipe pair rather than a real
// subprocess, per SPEC_FULL.md §4.J.
type fakeController struct {
	toChannel   *io.PipeWriter // controller writes its responses here
	fromChannel *bufio.Reader  // controller reads the bridge's commands here
}

func newChannelUnderTest() (*Channel, *fakeController) {
	toControllerR, toControllerW := io.Pipe()
	toBridgeR, toBridgeW := io.Pipe()

	ch := NewChannel(toBridgeR, toControllerW, NewLogger("test", 0))
	fc := &fakeController{
		toChannel:   toBridgeW,
		fromChannel: bufio.NewReader(toControllerR),
	}
	return ch, fc
}

func (f *fakeController) readLine() string {
	line, _ := f.fromChannel.ReadString('\n')
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line
}

func (f *fakeController) send(s string) {
	io.WriteString(f.toChannel, s+"\n")
}

type ChannelTest struct {
}

func init() { RegisterTestSuite(&ChannelTest{}) }

func (t *ChannelTest) InitRoundTrip() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var directives Directives
	var err error
	go func() {
		directives, err = ch.Init()
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("INIT"))
	fc.send("+OK")
	<-done

	AssertEq(nil, err)
	ExpectFalse(directives.Quit)
}

func (t *ChannelTest) ReadDeliversDataBlock() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var data []byte
	var err error
	go func() {
		data, _, err = ch.Read("/hello")
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("READ /hello"))
	fc.send("+OK")
	fc.send("hi")
	fc.send(".")
	<-done

	AssertEq(nil, err)
	ExpectThat(string(data), Equals("hi\n"))
}

func (t *ChannelTest) EscapedLinesRoundTrip() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var data []byte
	go func() {
		data, _, _ = ch.Read("/lines")
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("READ /lines"))
	fc.send("+OK")
	fc.send("..hidden")
	fc.send(".")
	<-done

	diff := pretty.Compare(".hidden\n", string(data))
	ExpectThat(diff, Equals(""))
}

func (t *ChannelTest) DirDirectiveIsParsedAndUpsertable() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var directives Directives
	go func() {
		directives, _ = ch.Init()
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("INIT"))
	fc.send("+OK;DIR")
	fc.send("/hello rw")
	fc.send(".")
	<-done

	AssertThat(len(directives.Dirs), Equals(1))
	ExpectThat(directives.Dirs[0].Path, Equals("/hello"))
	ExpectThat(directives.Dirs[0].Mode, Equals("rw"))
}

func (t *ChannelTest) QuitDirectiveIsRecognized() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var directives Directives
	go func() {
		directives, _ = ch.Init()
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("INIT"))
	fc.send("+OK;QUIT")
	<-done

	ExpectTrue(directives.Quit)
}

func (t *ChannelTest) ErrStatusSurfacesAsError() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var err error
	go func() {
		_, err = ch.Init()
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("INIT"))
	fc.send("-ERR")
	<-done

	ExpectNe(nil, err)
}

func (t *ChannelTest) MalformedStatusIsFatal() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	var err error
	go func() {
		_, err = ch.Init()
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("INIT"))
	fc.send("garbage")
	<-done

	ExpectNe(nil, err)
}

func (t *ChannelTest) WriteSendsEscapedDataBlock() {
	ch, fc := newChannelUnderTest()

	done := make(chan struct{})
	go func() {
		ch.Write("/note", []byte(".secret\n"))
		close(done)
	}()

	ExpectThat(fc.readLine(), Equals("WRITE /note"))
	ExpectThat(fc.readLine(), Equals("..secret"))
	ExpectThat(fc.readLine(), Equals("."))
	fc.send("+OK")
	<-done
}
