// Package remote defines the typed RPC surface consumed by the engine and
// classifies the opaque numeric error codes the remote service returns
// (SPEC_FULL.md §6/§7). Classification is data (one table per operation),
// not a switch statement spread across handlers, so it can be updated
// without touching callers.
package remote

import (
	"errors"
	"fmt"

	"github.com/fsupload/engine/internal/task"
)

// Sentinel errors, one per classification category. Use errors.Is to test.
var (
	ErrLocalFatal       = errors.New("remote: local fatal error")
	ErrIdempotentDone   = errors.New("remote: operation already satisfied remotely")
	ErrDataFixup        = errors.New("remote: request rejected, local record needs fixup")
	ErrBackpressure     = errors.New("remote: backpressure, retry after delay")
	ErrTransientNet     = errors.New("remote: transient network failure")
	ErrChecksumMismatch = errors.New("remote: checksum mismatch, restart transfer")
	ErrUnknownCode      = errors.New("remote: unrecognized server error code")
)

// Category names a propagation policy from spec.md §7.
type Category int

const (
	CategoryLocalFatal Category = iota
	CategoryIdempotentDone
	CategoryDataFixup
	CategoryBackpressure
	CategoryTransientNet
	CategoryChecksumMismatch
	CategoryUnknown
)

func (c Category) sentinel() error {
	switch c {
	case CategoryLocalFatal:
		return ErrLocalFatal
	case CategoryIdempotentDone:
		return ErrIdempotentDone
	case CategoryDataFixup:
		return ErrDataFixup
	case CategoryBackpressure:
		return ErrBackpressure
	case CategoryTransientNet:
		return ErrTransientNet
	case CategoryChecksumMismatch:
		return ErrChecksumMismatch
	default:
		return ErrUnknownCode
	}
}

// Fixup names which task field a data-fixup error expects the caller to
// mutate, and the value to mutate it to.
type Fixup struct {
	Field string // "folderid" or "text1"
	Value any
}

// codeInfo is one row of a per-operation error-code table (spec.md §6): the
// numeric code, its human name, its propagation category, and — for
// data-fixup codes — what to do about it.
type codeInfo struct {
	name     string
	category Category
	fixup    *Fixup
}

var fixupFolderID = &Fixup{Field: "folderid", Value: int64(0)}
var fixupInvalidName = &Fixup{Field: "text1", Value: "Invalid Name Requested"}

// codeTables holds one classification table per operation: the same
// numeric code means different things depending which RPC returned it
// (spec.md §6/§7). Grounded directly on the four independent handlers in
// _examples/original_source/pfsupload.c — handle_mkdir_api_error (:81),
// handle_rmdir_api_error (:127), handle_upload_api_error_taskid (:242, used
// by both uploadfile's handle_upload_api_error and large_upload_save),
// handle_unlink_api_error (:563). Code 2003 (access denied), for instance,
// is a data fixup for MkDir/CreateFile but an idempotent-done for
// RmDir/Unlink — a single flat table cannot express that.
//
// task.Type(0) (the zero value, no task ever has it) holds the policy for
// large-upload session RPCs that carry no per-operation table of their own
// (upload_create, upload_write, upload_info): the original only special-
// cases 2068 there and otherwise soft-fails generically (pfsupload.c:404).
var codeTables = map[task.Type]map[int]codeInfo{
	task.MkDir: {
		2001: {"invalid name", CategoryDataFixup, fixupInvalidName},
		2002: {"parent missing", CategoryDataFixup, fixupFolderID},
		2003: {"access denied", CategoryDataFixup, fixupFolderID},
	},
	task.RmDir: {
		2003: {"access denied", CategoryIdempotentDone, nil},
		2005: {"folder missing", CategoryIdempotentDone, nil},
		2006: {"not empty", CategoryIdempotentDone, nil},
		2028: {"folder shared", CategoryIdempotentDone, nil},
	},
	task.CreateFile: {
		2001: {"invalid name", CategoryDataFixup, fixupInvalidName},
		2003: {"access denied", CategoryDataFixup, fixupFolderID},
		2005: {"folder missing", CategoryDataFixup, fixupFolderID},
		2008: {"over quota", CategoryBackpressure, nil},
	},
	task.Unlink: {
		2003: {"access denied", CategoryIdempotentDone, nil},
		2009: {"file missing", CategoryIdempotentDone, nil},
	},
	task.Type(0): {
		2068: {"upload superseded", CategoryBackpressure, nil},
	},
}

// CodeUploadSuperseded is referenced directly by the Large Upload Worker,
// which must react with a full upload_delete sweep rather than a plain
// sleep-and-retry (spec.md §4.5 step 8).
const CodeUploadSuperseded = 2068

// Error wraps a classified numeric remote error code.
type Error struct {
	Code     int
	Name     string
	Category Category
	Fixup    *Fixup
	Err      error // sentinel, for errors.Is
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: code %d (%s): %s", e.Code, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a numeric remote error code to an *Error carrying its
// category and, where applicable, the fixup the caller should apply. op
// selects which operation's policy table to consult (spec.md §7) — pass
// task.Type(0) for the large-upload session RPCs that have no per-operation
// table of their own. Codes absent from op's table classify as
// CategoryUnknown (spec.md §7, "any other non-zero result": soft-fail,
// retry on next loop).
func Classify(op task.Type, code int) *Error {
	if code == 0 {
		return nil
	}

	table := codeTables[op]

	info, ok := table[code]
	if !ok {
		return &Error{
			Code:     code,
			Name:     "unrecognized",
			Category: CategoryUnknown,
			Err:      ErrUnknownCode,
		}
	}

	return &Error{
		Code:     code,
		Name:     info.name,
		Category: info.category,
		Fixup:    info.fixup,
		Err:      info.category.sentinel(),
	}
}
