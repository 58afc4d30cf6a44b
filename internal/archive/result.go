package archive

import (
	"context"
	"errors"
	"fmt"
)

// ResultCode is the terminal outcome of an archive-level operation.
type ResultCode int

const (
	Success ResultCode = iota
	FileNotFound
	ExtractError
	RemapError
	NotSupportedPlatform
	UnknownError
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "success"
	case FileNotFound:
		return "file_not_found"
	case ExtractError:
		return "extract_error"
	case RemapError:
		return "remap_error"
	case NotSupportedPlatform:
		return "not_supported_platform"
	case UnknownError:
		return "unknown_error"
	default:
		return fmt.Sprintf("result(%d)", int(c))
	}
}

func (c ResultCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

var (
	ErrFileNotFound         = errors.New("file not found")
	ErrUnknownFormat        = errors.New("unknown archive format")
	ErrCorruptHeader        = errors.New("corrupt or unsupported header")
	ErrChecksum             = errors.New("checksum mismatch")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
	ErrSplitUnsupported     = errors.New("unsupported split-volume marker")
	ErrMultiVolume          = errors.New("streamed archive is a multi-volume archive; use the volume-aware reader")
	ErrSolidOrder           = errors.New("solid archive entries must be decoded in order")
	ErrEncrypted            = errors.New("encrypted archives are not supported")
	ErrNoDecoder            = errors.New("no in-process decoder available")
	ErrPathTraversal        = errors.New("path outside destination directory")
	ErrNotSupportedPlatform = errors.New("archive extraction is not supported on this platform")
	ErrCancelled            = errors.New("extraction cancelled")
	ErrRemap                = errors.New("package remap failed")
)

// UnsupportedCodecError names the compression type that has no decoder.
type UnsupportedCodecError struct {
	Type CompressionType
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported codec: %s", e.Type)
}

func (e *UnsupportedCodecError) Unwrap() error {
	return ErrUnsupportedCodec
}

// EntryError attaches the failing entry name to an error.
type EntryError struct {
	Entry string
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Result is returned once per archive-level operation. Message is always set
// when Code is not Success.
type Result struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
	Entries int        `json:"entries"`
	Skipped []string   `json:"skipped,omitempty"`
	Err     error      `json:"-"`
}

func (r Result) OK() bool {
	return r.Code == Success
}

func (r Result) Error() string {
	if r.Code == Success {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Failure builds a non-success result from err, classifying it.
func Failure(err error) Result {
	return Result{Code: Classify(err), Message: err.Error(), Err: err}
}

// Classify maps an error to the result taxonomy.
func Classify(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrFileNotFound):
		return FileNotFound
	case errors.Is(err, ErrNotSupportedPlatform), errors.Is(err, ErrNoDecoder):
		return NotSupportedPlatform
	case errors.Is(err, ErrRemap):
		return RemapError
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return UnknownError
	case errors.Is(err, ErrCorruptHeader),
		errors.Is(err, ErrChecksum),
		errors.Is(err, ErrUnsupportedCodec),
		errors.Is(err, ErrSplitUnsupported),
		errors.Is(err, ErrMultiVolume),
		errors.Is(err, ErrSolidOrder),
		errors.Is(err, ErrEncrypted),
		errors.Is(err, ErrPathTraversal),
		errors.Is(err, ErrUnknownFormat):
		return ExtractError
	default:
		var entryErr *EntryError
		if errors.As(err, &entryErr) {
			return ExtractError
		}
		return UnknownError
	}
}
