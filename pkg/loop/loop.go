// Package loop implements the executor's single-threaded event loop:
// it owns the input framer, the output buffer, and the process-slot
// table, and it is the only code in the program that ever mutates any
// of them.
//
// Only one goroutine — the dispatcher started by Run — ever touches
// shared state. Everything else is a dumb producer: a stdin reader
// that performs one blocking Read per request and reports the result,
// one capture-pipe reader goroutine per running slot, and one
// cmd.Wait goroutine per running slot (grounded in the same
// goroutine-per-process wait pattern a service supervisor uses to
// reap its children). None of those goroutines read or write the
// table, the framer, or the output buffer; they only ever send an
// event on a channel and let the dispatcher decide what happens next.
// This keeps the "no mutexes, single owner of shared state" discipline
// intact without needing a raw epoll loop over descriptors Go's own
// runtime already knows how to poll.
package loop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lajosnagyuk/ltx/pkg/config"
	"github.com/lajosnagyuk/ltx/pkg/diag"
	"github.com/lajosnagyuk/ltx/pkg/protocol"
	"github.com/lajosnagyuk/ltx/pkg/slot"
	"github.com/lajosnagyuk/ltx/pkg/transfer"
	"github.com/lajosnagyuk/ltx/pkg/wire"
)

// DefaultVersion is the version string reported when a Loop is built
// without an explicit build-time version (e.g. in tests).
const DefaultVersion = "dev"

type readResult struct {
	data []byte
	err  error
}

type captureEvent struct {
	slotID uint8
	data   []byte
	eof    bool
	err    error
}

type exitEvent struct {
	slotID uint8
	ps     *os.ProcessState
	err    error
}

// Loop is the executor's event loop. Create one with New and run it
// with Run.
type Loop struct {
	cfg     config.Config
	version string

	stdin  *os.File
	stdout *os.File

	framer *protocol.Framer
	outbuf *protocol.OutBuf
	table  *slot.Table

	stdinReq  chan int
	stdinResp chan readResult
	captureCh chan captureEvent
	exitCh    chan exitEvent
}

// New builds a Loop reading from in and writing to out. version is
// reported verbatim in the Log frame a Version message elicits, so it
// should be the same build-time string the CLI's own "version"
// subcommand prints; an empty string falls back to DefaultVersion.
func New(cfg config.Config, in, out *os.File, version string) *Loop {
	if version == "" {
		version = DefaultVersion
	}
	return &Loop{
		cfg:       cfg,
		version:   version,
		stdin:     in,
		stdout:    out,
		framer:    protocol.NewFramer(cfg.InputBufSize),
		outbuf:    protocol.NewOutBuf(cfg.OutputBufSize),
		table:     slot.NewTable(),
		stdinReq:  make(chan int),
		stdinResp: make(chan readResult),
		captureCh: make(chan captureEvent, 32),
		exitCh:    make(chan exitEvent, 32),
	}
}

func (l *Loop) timestamp() uint64 {
	return monotonicNanos()
}

// monotonicNanos returns a nanosecond counter sized to match the uint64
// magnitude the wire format documents for Pong/Log/Result timestamps
// from the very first frame emitted, not just after several seconds of
// uptime. CLOCK_MONOTONIC_RAW reports nanoseconds since boot, which is
// already that size; wall-clock nanoseconds is the fallback if the
// clock syscall is ever unavailable. Both Log-emitting paths in this
// package (the dispatcher and EmitFatalLog) share this so their
// timestamps come from the same clock.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err == nil {
		return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
	}
	return uint64(time.Now().UnixNano())
}

// Run drives the event loop until stdin hits EOF (a clean shutdown,
// returning nil) or a fatal error occurs (returned to the caller, who
// is expected to treat it as diag.Fatal would: log and exit 1).
func (l *Loop) Run() error {
	go l.runStdinReader()

	ticker := time.NewTicker(time.Duration(l.cfg.PollTimeoutMS) * time.Millisecond)
	defer ticker.Stop()

	readPending := false
	requestRead := func() error {
		if readPending {
			return nil
		}
		avail := l.framer.Avail()
		if avail <= 0 {
			return fmt.Errorf("loop: input buffer exhausted by a frame larger than its %d-byte capacity", l.cfg.InputBufSize)
		}
		l.stdinReq <- avail
		readPending = true
		return nil
	}
	if err := requestRead(); err != nil {
		return err
	}

	for {
		select {
		case res := <-l.stdinResp:
			readPending = false
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					l.drainFull()
					return nil
				}
				return fmt.Errorf("loop: stdin read: %w", res.err)
			}
			if err := l.framer.Feed(res.data); err != nil {
				return err
			}
			if err := l.drainInputFrames(); err != nil {
				return err
			}
			l.drainOnce()
			if err := requestRead(); err != nil {
				return err
			}

		case ce := <-l.captureCh:
			if err := l.handleCaptureEvent(ce); err != nil {
				return err
			}
			l.drainOnce()

		case ee := <-l.exitCh:
			if err := l.handleExitEvent(ee); err != nil {
				return err
			}
			l.drainOnce()

		case <-ticker.C:
			l.drainOnce()
		}
	}
}

// runStdinReader performs exactly one blocking Read per request it
// receives, then waits for the next request. Each request carries the
// framer's remaining capacity at the time it was issued, so a read can
// never return more bytes than Feed can accept — leftover bytes from a
// frame straddling the previous read plus a full-buffer's worth of new
// bytes would otherwise overflow the framer and be fatally rejected.
// This on-demand shape (rather than a free-running read loop) is also
// what keeps SetFile's direct splice from stdin's underlying fd
// race-free: the dispatcher never issues a new read request while a
// splice against that same fd might still be in flight.
func (l *Loop) runStdinReader() {
	for n := range l.stdinReq {
		buf := make([]byte, n)
		nr, err := l.stdin.Read(buf)
		var data []byte
		if nr > 0 {
			data = buf[:nr]
		}
		l.stdinResp <- readResult{data: data, err: err}
	}
}

// drainInputFrames dispatches every complete frame currently sitting
// in the framer's buffer, stopping when a frame is incomplete or the
// buffer runs dry.
func (l *Loop) drainInputFrames() error {
	for {
		buf := l.framer.Peek()
		if len(buf) < 2 {
			return nil
		}

		mt, err := protocol.PeekType(buf)
		if err == wire.ErrIncomplete {
			return nil
		}
		if err != nil {
			return err
		}

		if mt == protocol.SetFile {
			hdr, err := protocol.PeekSetFileHeader(buf)
			if err == wire.ErrIncomplete {
				return nil
			}
			if err != nil {
				return err
			}
			if err := l.handleSetFile(hdr); err != nil {
				return err
			}
			continue
		}

		frame, n, err := protocol.ParseFrame(buf)
		if err == wire.ErrIncomplete {
			return nil
		}
		if err != nil {
			return err
		}
		if err := l.handleFrame(frame); err != nil {
			return err
		}
		l.framer.Discard(n)

		if l.outbuf.AboveLowWater(l.cfg.LowWaterFrac) {
			l.drainOnce()
		}
	}
}

// handleFrame appends the frame's echo before dispatching to its
// handler, satisfying the rule that a frame's echo always precedes any
// response it derives.
func (l *Loop) handleFrame(frame protocol.Frame) error {
	if err := l.outbuf.Append(frame.Raw); err != nil {
		return err
	}

	switch frame.Type {
	case protocol.Ping:
		return l.handlePing()
	case protocol.Version:
		return l.handleVersion()
	case protocol.Env:
		return l.handleEnv(frame)
	case protocol.Exec:
		return l.handleExec(frame)
	case protocol.Kill:
		return l.handleKill(frame)
	case protocol.GetFile:
		return l.handleGetFile(frame)
	default:
		return fmt.Errorf("loop: no handler for %s frames", frame.Type)
	}
}

func (l *Loop) handlePing() error {
	pong := protocol.Build(nil, protocol.Pong, protocol.Uint(l.timestamp()))
	return l.outbuf.Append(pong)
}

func (l *Loop) handleVersion() error {
	text := fmt.Sprintf("LTX Version=%s argv<=%d env-key<=%d env-val<=%d",
		l.version, slot.MaxArgvBytes, slot.MaxEnvKeyBytes, slot.MaxEnvValueBytes)
	logFrame := protocol.Build(nil, protocol.Log, protocol.Nil, protocol.Uint(l.timestamp()), protocol.Str(text))
	return l.outbuf.Append(logFrame)
}

func (l *Loop) handleEnv(frame protocol.Frame) error {
	slotField := frame.Fields[0]
	key := string(frame.Fields[1].Data)
	val := string(frame.Fields[2].Data)

	if slotField.Kind == wire.KindNil {
		return slot.SetGlobalEnv(key, val)
	}
	if slotField.Kind != wire.KindUint || slotField.Uint >= slot.MaxSlots {
		return fmt.Errorf("loop: Env: slot id %+v out of range", slotField)
	}
	return l.table.SetEnv(uint8(slotField.Uint), key, val)
}

func (l *Loop) handleExec(frame protocol.Frame) error {
	slotField := frame.Fields[0]
	if slotField.Kind != wire.KindUint || slotField.Uint >= slot.MaxSlots {
		return fmt.Errorf("loop: Exec: slot id %+v out of range", slotField)
	}
	id := uint8(slotField.Uint)
	path := string(frame.Fields[1].Data)

	tail := make([]string, 0, len(frame.Fields)-2)
	for _, f := range frame.Fields[2:] {
		tail = append(tail, string(f.Data))
	}

	s, err := l.table.Exec(id, path, tail)
	if err != nil {
		return err
	}
	l.watchSlot(id, s)
	return nil
}

// watchSlot spawns the two dumb producer goroutines a running slot
// needs: one draining its capture pipe into Log frames, one waiting
// for it to exit to produce a Result frame.
func (l *Loop) watchSlot(id uint8, s *slot.Slot) {
	capture := s.Capture
	cmd := s.Cmd
	chunkSize := l.cfg.CaptureChunk

	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, err := capture.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				l.captureCh <- captureEvent{slotID: id, data: data}
			}
			if err != nil {
				capture.Close()
				eof := errors.Is(err, io.EOF)
				l.captureCh <- captureEvent{slotID: id, eof: true, err: errIfNotEOF(err, eof)}
				return
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		l.exitCh <- exitEvent{slotID: id, ps: cmd.ProcessState, err: err}
	}()
}

func errIfNotEOF(err error, isEOF bool) error {
	if isEOF {
		return nil
	}
	return err
}

func (l *Loop) handleCaptureEvent(ce captureEvent) error {
	if ce.err != nil {
		return fmt.Errorf("loop: slot %d: capture pipe: %w", ce.slotID, ce.err)
	}
	if len(ce.data) == 0 {
		return nil
	}
	logFrame := protocol.Build(nil, protocol.Log, protocol.Uint(uint64(ce.slotID)), protocol.Uint(l.timestamp()), protocol.Str(string(ce.data)))
	return l.outbuf.Append(logFrame)
}

func (l *Loop) handleExitEvent(ee exitEvent) error {
	info := slot.FromProcessState(ee.ps)
	result := protocol.Build(nil, protocol.Result,
		protocol.Uint(uint64(ee.slotID)), protocol.Uint(l.timestamp()),
		protocol.Uint(uint64(info.Code)), protocol.Uint(uint64(info.Status)))
	if err := l.outbuf.Append(result); err != nil {
		return err
	}
	l.table.Reap(ee.slotID)
	return nil
}

func (l *Loop) handleKill(frame protocol.Frame) error {
	slotField := frame.Fields[0]
	if slotField.Kind != wire.KindUint || slotField.Uint >= slot.MaxSlots {
		return fmt.Errorf("loop: Kill: slot id %+v out of range", slotField)
	}
	return l.table.Kill(uint8(slotField.Uint))
}

func (l *Loop) handleGetFile(frame protocol.Frame) error {
	path := string(frame.Fields[0].Data)
	size, err := transfer.Stat(path)
	if err != nil {
		return err
	}
	if err := l.outbuf.Append(protocol.BuildDataHeader(nil, int(size))); err != nil {
		return err
	}
	if err := l.drainFull(); err != nil {
		return err
	}
	return transfer.GetFile(path, size, l.stdout)
}

// handleSetFile is the one operation the generic drainInputFrames loop
// never reaches through ParseFrame: its blob field may be far larger
// than the input buffer, so the header is parsed separately and the
// payload is either already-buffered bytes or bytes spliced straight
// from stdin. SetFile's own reply isn't a byte-identical echo of the
// inbound frame (that would mean holding the whole blob in memory) —
// it is a freshly built frame with the same path and a content-less
// bin header of the same declared length, emitted only after the
// write completes.
func (l *Loop) handleSetFile(hdr protocol.SetFileHeader) error {
	buf := l.framer.Peek()
	prefix := buf[hdr.HeaderLen:]
	if len(prefix) > hdr.BlobLen {
		prefix = prefix[:hdr.BlobLen]
	}
	prefixCopy := append([]byte(nil), prefix...)

	l.framer.Discard(hdr.HeaderLen + len(prefixCopy))

	res, err := transfer.SetFile(hdr.Path, hdr.BlobLen, prefixCopy, l.stdin)
	if err != nil {
		return err
	}
	if err := l.outbuf.Append(protocol.BuildSetFileEcho(nil, hdr.Path, hdr.BlobLen)); err != nil {
		return err
	}
	if err := l.drainFull(); err != nil {
		return err
	}
	if err := transfer.GetFile(hdr.Path, int64(hdr.BlobLen), l.stdout); err != nil {
		return err
	}

	// Logged only now: the output buffer is empty and the echo and file
	// are already on the wire, so a Log frame the diag sink writes
	// straight to stdout cannot overtake them.
	if res.PrefixChecksum != 0 {
		diag.Logf(diag.Here(0), "slot-less SetFile %s: buffered-prefix xxhash=%x", hdr.Path, res.PrefixChecksum)
	}
	return nil
}

// drainOnce makes a single non-blocking attempt to flush the output
// buffer and returns immediately, whether or not it fully drained.
// EAGAIN is not an error here — it just means try again next tick.
func (l *Loop) drainOnce() {
	if l.outbuf.Len() == 0 {
		return
	}
	rc, err := l.stdout.SyscallConn()
	if err != nil {
		diag.Warnf("stdout SyscallConn: %v", err)
		return
	}
	_ = rc.Write(func(fd uintptr) bool {
		for l.outbuf.Len() > 0 {
			n, werr := unix.Write(int(fd), l.outbuf.Bytes())
			if werr != nil {
				if werr == unix.EAGAIN {
					return true
				}
				diag.Warnf("stdout write: %v", werr)
				return true
			}
			if n == 0 {
				return true
			}
			l.outbuf.Consume(n)
		}
		return true
	})
}

// EmitFatalLog makes a best-effort blocking write of a nil-slot Log
// frame carrying text directly to out, bypassing the Loop entirely.
// It exists so diag's frame sink can put a diagnostic on the wire —
// not just stderr — including a fatal one after the event loop has
// already stopped running. Because it bypasses the output buffer, the
// dispatcher only calls diag.Logf while that buffer is empty.
func EmitFatalLog(out *os.File, text string) bool {
	frame := protocol.Build(nil, protocol.Log, protocol.Nil, protocol.Uint(monotonicNanos()), protocol.Str(text))

	rc, err := out.SyscallConn()
	if err != nil {
		return false
	}
	written := 0
	werr := rc.Write(func(fd uintptr) bool {
		for written < len(frame) {
			n, err := unix.Write(int(fd), frame[written:])
			if err != nil {
				if err == unix.EAGAIN {
					return false
				}
				return true
			}
			if n == 0 {
				return true
			}
			written += n
		}
		return true
	})
	return werr == nil && written == len(frame)
}

// drainFull blocks the dispatcher until the output buffer is
// completely empty. GetFile and SetFile need this: their preamble must
// be fully on the wire before the raw file bytes that follow it.
func (l *Loop) drainFull() error {
	if l.outbuf.Len() == 0 {
		return nil
	}
	rc, err := l.stdout.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = rc.Write(func(fd uintptr) bool {
		for l.outbuf.Len() > 0 {
			n, werr := unix.Write(int(fd), l.outbuf.Bytes())
			if werr != nil {
				if werr == unix.EAGAIN {
					return false
				}
				opErr = werr
				return true
			}
			if n == 0 {
				opErr = fmt.Errorf("loop: stdout write returned 0")
				return true
			}
			l.outbuf.Consume(n)
		}
		return true
	})
	if err != nil {
		return err
	}
	return opErr
}
