// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for nvdma.
package errors

import "golang.org/x/sys/unix"

// Error represents an NV status code with its closest host errno and a
// descriptive message.
type Error struct {
	status  uint32
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(status uint32, errno unix.Errno, message string) *Error {
	return &Error{
		status:  status,
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying NV status code.
func (e *Error) Status() uint32 { return e.status }

// Errno returns the host errno equivalent of the status.
func (e *Error) Errno() unix.Errno { return e.errno }
