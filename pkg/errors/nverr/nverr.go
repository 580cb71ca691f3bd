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

// Package nverr contains the errors returned by the DMA mapping engine,
// expressed as NV status codes.
package nverr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/nvdma/pkg/errors"
)

// Status codes, from src/common/sdk/nvidia/inc/nvstatuscodes.h.
const (
	NV_OK                   = 0x00000000
	NV_ERR_INVALID_ADDRESS  = 0x0000001e
	NV_ERR_INVALID_ARGUMENT = 0x0000001f
	NV_ERR_INVALID_REQUEST  = 0x00000028
	NV_ERR_NO_MEMORY        = 0x00000051
	NV_ERR_NOT_SUPPORTED    = 0x00000056
	NV_ERR_OPERATING_SYSTEM = 0x00000059
	NV_ERR_GENERIC          = 0x0000ffff
)

var (
	// InvalidAddress is returned when a device-visible address falls outside
	// of the device's addressable range.
	InvalidAddress = errors.New(NV_ERR_INVALID_ADDRESS, unix.EFAULT, "invalid address")

	// InvalidArgument is returned for malformed caller input.
	InvalidArgument = errors.New(NV_ERR_INVALID_ARGUMENT, unix.EINVAL, "invalid argument")

	// InvalidRequest is returned for requests that are well formed but
	// cannot be honored, e.g. a page count larger than host memory.
	InvalidRequest = errors.New(NV_ERR_INVALID_REQUEST, unix.EINVAL, "invalid request")

	// NoMemory is returned when bookkeeping allocations fail.
	NoMemory = errors.New(NV_ERR_NO_MEMORY, unix.ENOMEM, "no memory")

	// NotSupported is returned when a platform capability is absent.
	NotSupported = errors.New(NV_ERR_NOT_SUPPORTED, unix.EOPNOTSUPP, "not supported")

	// OperatingSystem is returned when the platform mapping primitive fails.
	OperatingSystem = errors.New(NV_ERR_OPERATING_SYSTEM, unix.EIO, "operating system error")
)

// Equals reports whether err is, or wraps, target.
func Equals(target *errors.Error, err error) bool {
	if err == nil {
		return target == nil
	}
	return goerrors.Is(err, target)
}

// ToStatus returns the NV status code for err. Errors that do not wrap an
// *errors.Error translate to NV_ERR_GENERIC.
func ToStatus(err error) uint32 {
	if err == nil {
		return NV_OK
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Status()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return NV_ERR_OPERATING_SYSTEM
	}
	return NV_ERR_GENERIC
}

// ToErrno returns the host errno for err.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
