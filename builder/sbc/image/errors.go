// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package image

import (
	"errors"
	"fmt"

	"github.com/sbcbuild/sbcbuild/builder/sbc/profile"
)

// Exit codes of the sbcbuild command.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
	ExitCleanup      = 3
)

var (
	ErrDeviceExhausted  = errors.New("no free loop device")
	ErrPartitionTable   = errors.New("partition table error")
	ErrFormatMounted    = errors.New("refusing to format a mounted partition")
	ErrAlreadyFormatted = errors.New("loop binding was already formatted")
	ErrNotBound         = errors.New("no loop device is bound to the image")
)

// PreconditionError is reported before any host resource is touched: missing
// privileges, unknown profiles, invalid configuration.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return e.Err.Error() }
func (e *PreconditionError) Unwrap() error { return e.Err }

// IntegrityError means the archive on disk does not match its published
// checksum. The archive is never removed automatically.
type IntegrityError struct {
	Path         string
	ChecksumType string
	Want         string
	Got          string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: published %s, computed %s. "+
		"The archive may be corrupt or incomplete; delete it manually and run the build again",
		e.ChecksumType, e.Path, e.Want, e.Got)
}

// ResourceAcquisitionError is a failure to acquire a loop device, write the
// partition table or create a filesystem. Whatever the attempt acquired has
// been rolled back when it is returned.
type ResourceAcquisitionError struct {
	Op  string
	Err error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// ExecutionError is a failure inside a build stage: extraction, a hook, the
// chroot configuration script.
type ExecutionError struct {
	Stage Stage
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CleanupError means a mount or loop device could not be released and is
// still held on the host.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("releasing host resources failed, mounts or loop devices may be left behind "+
		"(run `sbcbuild umount` to recover): %s", e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// ExitCode maps err onto the process exit status.
func ExitCode(err error) int {
	var (
		cleanup *CleanupError
		pre     *PreconditionError
		unknown *profile.UnknownProfileError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cleanup):
		return ExitCleanup
	case errors.As(err, &pre), errors.As(err, &unknown):
		return ExitPrecondition
	default:
		return ExitFailure
	}
}
