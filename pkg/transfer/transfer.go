// Package transfer implements LTX's file transfer operations: sending
// a file to the controller (GetFile) and receiving one from it
// (SetFile), both using kernel-assisted zero-copy transfers so file
// contents never pass through the message buffer.
//
// Both operations block the caller for their whole duration. That is
// deliberate: interleaving other protocol traffic with a large file
// transfer would require either buffering the file (defeating the
// zero-copy path) or a much more complex partial-transfer state
// machine, and the controller is expected to serialize its own file
// operations with everything else it does to this executor.
package transfer

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// MaxFileSize is the file size limit Stat enforces for GetFile: 2 GiB
// minus 4 KiB; a file of this size or larger is rejected. Above this,
// off_t/size_t arithmetic in a 32-bit ecosystem starts to get
// uncomfortable, and no test workload needs more. SetFile does not
// check it.
const MaxFileSize = 2*1024*1024*1024 - 4*1024

// Stat returns path's size, failing if it is a directory or its size
// is at or above MaxFileSize. GetFile's caller uses this before it
// commits to announcing a Data frame's length.
func Stat(path string) (size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("transfer: %s is a directory", path)
	}
	if fi.Size() >= MaxFileSize {
		return 0, fmt.Errorf("transfer: %s is %d bytes, at or above the %d limit", path, fi.Size(), MaxFileSize)
	}
	return fi.Size(), nil
}

// GetFile streams path's contents to dst using sendfile. The caller
// must have already announced the exact size in a Data frame header
// and drained everything buffered before it. dst may be non-blocking:
// on EAGAIN GetFile parks on the runtime poller until dst is writable.
// It returns an error if fewer than size bytes could be sent.
func GetFile(path string, size int64, dst *os.File) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rc, err := dst.SyscallConn()
	if err != nil {
		return fmt.Errorf("transfer: %s: %w", path, err)
	}

	var sent int64
	var opErr error
	for sent < size && opErr == nil {
		werr := rc.Write(func(fd uintptr) bool {
			n, err := unix.Sendfile(int(fd), int(f.Fd()), nil, int(size-sent))
			if n > 0 {
				sent += int64(n)
			}
			if err != nil {
				if err == unix.EAGAIN {
					return false // not writable yet, let the poller wait and retry
				}
				if err == unix.EINTR {
					return false
				}
				opErr = fmt.Errorf("transfer: sendfile %s: %w", path, err)
				return true
			}
			if n == 0 {
				opErr = fmt.Errorf("transfer: sendfile %s stopped with %d bytes remaining", path, size-sent)
				return true
			}
			return true
		})
		if werr != nil {
			return fmt.Errorf("transfer: sendfile %s: %w", path, werr)
		}
	}
	if opErr != nil {
		return opErr
	}
	if sent != size {
		return fmt.Errorf("transfer: sendfile %s: sent %d of %d bytes", path, sent, size)
	}
	return nil
}

// SetFileResult reports what SetFile actually wrote, plus a diagnostic
// checksum of the portion that passed through user memory (the part
// already sitting in the input buffer when the header was parsed —
// whatever splice moved afterward never touches userspace at all, so
// there is nothing further to hash without giving up the zero-copy
// path).
type SetFileResult struct {
	Written        int64
	PrefixChecksum uint64
}

// SetFile writes blobLen bytes to path: first whatever prefix bytes
// were already sitting in the input buffer when the frame header was
// parsed, then, if more remain, splices the rest directly from src
// (the raw input stream) to the destination file.
func SetFile(path string, blobLen int, prefix []byte, src *os.File) (SetFileResult, error) {
	dst, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return SetFileResult{}, err
	}
	defer dst.Close()

	var res SetFileResult

	n := len(prefix)
	if n > blobLen {
		n = blobLen
	}
	if n > 0 {
		if _, err := dst.Write(prefix[:n]); err != nil {
			return res, fmt.Errorf("transfer: write %s: %w", path, err)
		}
		res.PrefixChecksum = xxhash.Sum64(prefix[:n])
		res.Written = int64(n)
	}

	remaining := int64(blobLen) - res.Written
	if remaining == 0 {
		return res, nil
	}

	rc, err := src.SyscallConn()
	if err != nil {
		return res, fmt.Errorf("transfer: %s: %w", path, err)
	}

	var opErr error
	for remaining > 0 && opErr == nil {
		rerr := rc.Read(func(fd uintptr) bool {
			wr, err := unix.Splice(int(fd), nil, int(dst.Fd()), nil, int(remaining), 0)
			if err != nil {
				if err == unix.EAGAIN {
					return false // no data buffered yet, let the poller wait and retry
				}
				if err == unix.EINTR {
					return false
				}
				opErr = fmt.Errorf("transfer: splice into %s: %w", path, err)
				return true
			}
			if wr == 0 {
				opErr = fmt.Errorf("transfer: splice into %s stopped with %d bytes remaining", path, remaining)
				return true
			}
			res.Written += wr
			remaining -= wr
			return true
		})
		if rerr != nil {
			return res, fmt.Errorf("transfer: splice into %s: %w", path, rerr)
		}
	}
	if opErr != nil {
		return res, opErr
	}

	return res, nil
}
