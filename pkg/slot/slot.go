// Package slot implements the LTX process-slot table: the 127-entry
// array of child-process slots, their per-slot environment overlays,
// and the fork+exec/kill/reap operations the Exec, Env, and Kill
// protocol messages drive.
//
// Table itself holds no goroutines and no locks — like a flat, fixed-size
// array, it is only ever touched from the single
// event-loop goroutine that owns it (see pkg/loop). The blocking parts
// of the child lifecycle (waiting on a capture pipe, waiting on
// cmd.Wait) are the caller's concern; Table only hands back the
// *os.File and *exec.Cmd for the loop to watch.
package slot

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxSlots is the number of usable slot ids (0..126). Slot id 127 is
// reserved by the wire format's 7-bit fixint range and never assigned.
const MaxSlots = 127

// Storage limits derived from linux/limits.h's ARG_MAX (131072 bytes),
// split between argv and the per-slot env key/value stores. Exposed as
// named constants rather than left implicit, and surfaced to the
// controller via the Version log line (see pkg/loop).
const (
	argMax           = 131072
	MaxArgvBytes     = argMax / 2
	MaxEnvKeyBytes   = argMax / 16
	MaxEnvValueBytes = argMax / 2
	// MaxEnvValueLen bounds a single value to a PATH_MAX-sized buffer.
	MaxEnvValueLen = 4096
	// MaxEnvKeyLen bounds a single key.
	MaxEnvKeyLen = 256
	// MaxEnvEntries is the number of (key, value) pairs a slot's
	// overlay may hold.
	MaxEnvEntries = 255
)

// si_code values used in Result frames, matching Linux's siginfo codes.
const (
	CLDExited = 1
	CLDKilled = 2
	CLDDumped = 3
)

// State is a slot's lifecycle state.
type State int

const (
	Empty State = iota
	Configured
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type envPair struct {
	key, val string
}

// Slot is one row of the process-slot table.
type Slot struct {
	ID    uint8
	state State
	pid   int

	env       []envPair
	envKeyLen int
	envValLen int

	Cmd     *exec.Cmd
	Capture *os.File // read end of the child's merged stdout+stderr pipe
}

func (s *Slot) State() State { return s.state }
func (s *Slot) PID() int     { return s.pid }

// Table is the fixed-size process-slot table.
type Table struct {
	slots     [MaxSlots]Slot
	pidToSlot map[int]uint8
}

// NewTable creates an empty 127-slot table.
func NewTable() *Table {
	t := &Table{pidToSlot: make(map[int]uint8)}
	for i := range t.slots {
		t.slots[i].ID = uint8(i)
	}
	return t
}

// Slot returns the slot at id, or an error if id is out of range.
func (t *Table) Slot(id uint8) (*Slot, error) {
	if int(id) >= MaxSlots {
		return nil, fmt.Errorf("slot: id %d >= %d", id, MaxSlots)
	}
	return &t.slots[id], nil
}

// BySlot looks up the slot currently holding pid.
func (t *Table) BySlot(pid int) (uint8, bool) {
	id, ok := t.pidToSlot[pid]
	return id, ok
}

// SetGlobalEnv applies an Env message with a nil slot id: it mutates
// the executor's own environment, which os/exec's default (nil Env)
// behavior means every future Exec across every slot inherits.
func SetGlobalEnv(key, val string) error {
	if len(key) == 0 || len(key) >= MaxEnvKeyLen {
		return fmt.Errorf("slot: global env key length %d out of range", len(key))
	}
	if len(val) >= MaxEnvValueLen {
		return fmt.Errorf("slot: global env value length %d out of range", len(val))
	}
	return os.Setenv(key, val)
}

// SetEnv applies an Env message scoped to a single slot: the overlay
// only affects that slot's next Exec, not any process already running
// in it. Setting an existing key replaces its value; unknown keys are
// appended, up to MaxEnvEntries.
func (t *Table) SetEnv(id uint8, key, val string) error {
	if len(key) == 0 || len(key) >= MaxEnvKeyLen {
		return fmt.Errorf("slot: env key length %d out of range", len(key))
	}
	if len(val) >= MaxEnvValueLen {
		return fmt.Errorf("slot: env value length %d out of range", len(val))
	}

	s, err := t.Slot(id)
	if err != nil {
		return err
	}

	for i := range s.env {
		if s.env[i].key == key {
			s.envValLen += len(val) - len(s.env[i].val)
			if s.envValLen > MaxEnvValueBytes {
				return fmt.Errorf("slot %d: ran out of env value space", id)
			}
			s.env[i].val = val
			return nil
		}
	}

	if len(s.env) >= MaxEnvEntries {
		return fmt.Errorf("slot %d: ran out of env slots", id)
	}

	s.envKeyLen += len(key) + 1
	s.envValLen += len(val) + 1
	if s.envKeyLen > MaxEnvKeyBytes {
		return fmt.Errorf("slot %d: ran out of env key space", id)
	}
	if s.envValLen > MaxEnvValueBytes {
		return fmt.Errorf("slot %d: ran out of env value space", id)
	}

	s.env = append(s.env, envPair{key: key, val: val})
	if s.state == Empty {
		s.state = Configured
	}
	return nil
}

// composeEnv builds the environment a child of this slot should start
// with: the executor's own environment (which SetGlobalEnv mutates via
// os.Setenv, and which every child inherits by default) with the
// slot's overlay applied on top, replacing any inherited value with
// the same key. Building an explicit map instead of just concatenating
// os.Environ() with the overlay avoids relying on libc's
// first-match-wins getenv semantics for duplicate keys.
func composeEnv(overlay []envPair) []string {
	merged := make(map[string]string, len(overlay)+16)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for _, kv := range overlay {
		merged[kv.key] = kv.val
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out) // deterministic order, easier to test and to read in a dump
	return out
}

// ErrArgvTooLarge is returned by Exec when the packed argv strings
// would exceed the platform-derived argv storage limit.
var ErrArgvTooLarge = errors.New("slot: argv exceeds packed storage limit")

// Exec starts path with the given argv-tail arguments in slot id,
// applying the slot's env overlay on top of the executor's own
// environment, and merging the child's stdout and stderr into a single
// capture pipe. On success the slot transitions to Running and the
// caller (the event loop) owns watching Capture for output and Cmd for
// exit: the same fork+dup2+execv sequence a child spawn always needs,
// expressed through os/exec's Start.
func (t *Table) Exec(id uint8, path string, tail []string) (*Slot, error) {
	s, err := t.Slot(id)
	if err != nil {
		return nil, err
	}

	argvBytes := len(path) + 1
	for _, a := range tail {
		argvBytes += len(a) + 1
	}
	if argvBytes > MaxArgvBytes {
		return nil, ErrArgvTooLarge
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("slot %d: pipe: %w", id, err)
	}

	cmd := exec.Command(path, tail...)
	cmd.Env = composeEnv(s.env)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("slot %d: exec %s: %w", id, path, err)
	}
	pw.Close()

	s.state = Running
	s.pid = cmd.Process.Pid
	s.Cmd = cmd
	s.Capture = pr
	t.pidToSlot[s.pid] = id

	return s, nil
}

// Kill sends SIGKILL to the slot's process. A slot with no live
// process is a silent no-op, matching the case where the child has
// already exited (ESRCH); any other failure is fatal.
func (t *Table) Kill(id uint8) error {
	s, err := t.Slot(id)
	if err != nil {
		return err
	}
	if s.pid == 0 {
		return nil
	}

	if err := unix.Kill(s.pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("slot %d: kill pid %d: %w", id, s.pid, err)
	}
	return nil
}

// ExitInfo is what the event loop reports after reaping a child.
type ExitInfo struct {
	Code   int // si_code: CLDExited, CLDKilled, or CLDDumped
	Status int // exit status, or the terminating signal number
}

// FromProcessState derives the Result frame's (si_code, si_status)
// pair from a completed exec.Cmd's ProcessState, matching the
// waitid()-derived siginfo fields a signal-driven reaper would see. A
// core-dumping child is reported as CLDDumped rather than folded into
// CLDKilled, since syscall.WaitStatus carries that distinction too.
func FromProcessState(ps *os.ProcessState) ExitInfo {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.CoreDump() {
			return ExitInfo{Code: CLDDumped, Status: int(ws.Signal())}
		}
		if ws.Signaled() {
			return ExitInfo{Code: CLDKilled, Status: int(ws.Signal())}
		}
		return ExitInfo{Code: CLDExited, Status: ws.ExitStatus()}
	}
	return ExitInfo{Code: CLDExited, Status: ps.ExitCode()}
}

// Reap clears a slot's PID after its Result frame has been appended to
// the output buffer, making it eligible for reuse. Env overlays
// survive; only the running-process identity is cleared.
func (t *Table) Reap(id uint8) {
	s := &t.slots[id]
	delete(t.pidToSlot, s.pid)
	s.pid = 0
	s.state = Terminated
	s.Cmd = nil
	s.Capture = nil
}
