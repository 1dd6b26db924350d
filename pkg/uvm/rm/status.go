// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is a driver status code. Every non-success status is an error;
// success is represented by a nil error.
type Status uint32

// Status codes.
const (
	ErrGeneric Status = iota + 1
	ErrInsufficientResources
	ErrNoMemory
	ErrInvalidArgument
	ErrInvalidAddress
	ErrInvalidDevice
	ErrInvalidChannel
	ErrInvalidFlags
	ErrInvalidState
	ErrNotSupported
	ErrNotCompatible
	ErrPageTableNotAvail
	ErrECCError
	ErrFatal
	ErrBusyRetry
)

// ErrStaleSubcontext is returned when a notification names a sub-context
// that no longer has a registered channel. It is expected during teardown
// and the notification should be dropped.
const ErrStaleSubcontext = ErrPageTableNotAvail

var statusNames = map[Status]string{
	ErrGeneric:               "generic error",
	ErrInsufficientResources: "insufficient resources",
	ErrNoMemory:              "out of memory",
	ErrInvalidArgument:       "invalid argument",
	ErrInvalidAddress:        "invalid address",
	ErrInvalidDevice:         "invalid device",
	ErrInvalidChannel:        "invalid channel",
	ErrInvalidFlags:          "invalid flags",
	ErrInvalidState:          "invalid state",
	ErrNotSupported:          "not supported",
	ErrNotCompatible:         "not compatible",
	ErrPageTableNotAvail:     "page table not available",
	ErrECCError:              "uncorrectable ECC error",
	ErrFatal:                 "fatal error",
	ErrBusyRetry:             "busy, retry",
}

var statusErrnos = map[Status]unix.Errno{
	ErrGeneric:               unix.EIO,
	ErrInsufficientResources: unix.ENOMEM,
	ErrNoMemory:              unix.ENOMEM,
	ErrInvalidArgument:       unix.EINVAL,
	ErrInvalidAddress:        unix.EINVAL,
	ErrInvalidDevice:         unix.ENODEV,
	ErrInvalidChannel:        unix.EINVAL,
	ErrInvalidFlags:          unix.EINVAL,
	ErrInvalidState:          unix.EINVAL,
	ErrNotSupported:          unix.EOPNOTSUPP,
	ErrNotCompatible:         unix.EINVAL,
	ErrPageTableNotAvail:     unix.EBUSY,
	ErrECCError:              unix.EIO,
	ErrFatal:                 unix.EIO,
	ErrBusyRetry:             unix.EAGAIN,
}

// Error implements error.Error.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status %#x", uint32(s))
}

// Errno returns the errno reported to applications for s.
func (s Status) Errno() unix.Errno {
	if errno, ok := statusErrnos[s]; ok {
		return errno
	}
	return unix.EIO
}

// IsFatal returns true if s indicates that the device can no longer be used.
func (s Status) IsFatal() bool {
	return s == ErrECCError || s == ErrFatal
}

// StatusOf returns the Status carried by err, or ErrGeneric if err does not
// wrap a Status. StatusOf(nil) panics.
func StatusOf(err error) Status {
	if err == nil {
		panic("StatusOf(nil)")
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrGeneric
}

// ErrnoOf returns the errno corresponding to err. Nil maps to 0.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	return StatusOf(err).Errno()
}
