// Package couchfile provides an append-only document storage engine backed
// by a single file. Documents are opaque binary-keyed records with meta,
// value, revision, deletion flag and a content-type tag.
//
// Every mutation is appended. Two copy-on-write B+trees index the file: one
// keyed by document id (point lookup) and one keyed by sequence number (the
// change feed). A commit writes the rewritten tree nodes followed by a
// checksummed header that anchors both roots, then fsyncs. On open the file
// is scanned backward for the last header that validates, so a crash at any
// point leaves the previous commit as the visible state and everything after
// it as unreachable garbage.
package couchfile

import (
	"errors"
	"fmt"
)

// Code classifies every error the engine returns. Callers that need a
// stable numeric status (for example an accessor layer exposing a C-style
// API) use CodeOf; everyone else uses errors.Is with the sentinels below.
type Code int

const (
	CodeSuccess       Code = iota // No error
	CodeNoMem                     // Allocation or staging limit exceeded
	CodeIO                        // Read, write or sync failed
	CodeInvalid                   // Bad argument or invalid object state
	CodeInternal                  // Engine invariant violated
	CodeOpenFile                  // File could not be opened or created
	CodeCorrupt                   // Structural corruption
	CodeNotFound                  // Document or file absent
	CodeNoHeader                  // No valid header in file
	CodeHeaderVersion             // Header format not supported
	CodeChecksumFail              // Checksum mismatch
)

var codeStrings = [...]string{
	CodeSuccess:       "success",
	CodeNoMem:         "allocation failed",
	CodeIO:            "io error",
	CodeInvalid:       "invalid arguments",
	CodeInternal:      "Internal error",
	CodeOpenFile:      "failed to open file",
	CodeCorrupt:       "file corrupt",
	CodeNotFound:      "no entry",
	CodeNoHeader:      "no header",
	CodeHeaderVersion: "illegal header version",
	CodeChecksumFail:  "checksum fail",
}

// StrError returns the fixed description of c. Codes outside the defined
// set map to the internal error string.
func StrError(c Code) string {
	if c < 0 || int(c) >= len(codeStrings) {
		return codeStrings[CodeInternal]
	}
	return codeStrings[c]
}

func (c Code) String() string {
	return StrError(c)
}

// Error is the concrete type behind every sentinel. Engine errors wrap one
// of the sentinels, usually together with the underlying OS error.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return StrError(e.Code)
}

// Sentinel errors for programmatic handling. Callers can use errors.Is to
// distinguish recoverable conditions (ErrNotFound) from damage to the file
// (ErrCorrupt, ErrChecksumFail, ErrNoHeader, ErrHeaderVersion).
var (
	ErrNoMem         = &Error{CodeNoMem}
	ErrIO            = &Error{CodeIO}
	ErrInvalid       = &Error{CodeInvalid}
	ErrInternal      = &Error{CodeInternal}
	ErrOpenFile      = &Error{CodeOpenFile}
	ErrCorrupt       = &Error{CodeCorrupt}
	ErrNotFound      = &Error{CodeNotFound}
	ErrNoHeader      = &Error{CodeNoHeader}
	ErrHeaderVersion = &Error{CodeHeaderVersion}
	ErrChecksumFail  = &Error{CodeChecksumFail}

	// ErrClosed is returned by every call on a closed handle.
	ErrClosed = fmt.Errorf("database is closed: %w", ErrInvalid)
)

// CodeOf returns the code of the first *Error in err's chain. A nil error
// is CodeSuccess; an error that carries no code is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
