// Package fault defines the capture error taxonomy and the bridge that turns
// asynchronous display-server errors into synchronous failures.
package fault

import (
	"errors"
	"fmt"
)

// Stage names the capture step that failed.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageResolve   Stage = "resolve"
	StageNegotiate Stage = "transport-negotiate"
	StageAllocate  Stage = "allocate"
	StageFetch     Stage = "image-fetch"
	StageRelease   Stage = "release"
)

// Error classes. Match with errors.Is.
var (
	ErrConnection  = errors.New("cannot reach display server")
	ErrResolution  = errors.New("cannot resolve drawable")
	ErrNotFound    = fmt.Errorf("%w: drawable not found", ErrResolution)
	ErrOutOfBounds = fmt.Errorf("%w: region out of bounds", ErrResolution)
	ErrAllocation  = errors.New("shared memory allocation failed")
	ErrTransfer    = errors.New("image transfer failed")
	ErrTimeout     = errors.New("capture timed out")
	ErrClosed      = errors.New("display handle is closed")
	ErrAlreadyOpen = errors.New("display handle already open")
	ErrReleased    = errors.New("segment already released")
)

// Domain identifies where a native status code comes from.
type Domain uint8

const (
	DomainNone Domain = iota
	DomainX11
	DomainWin32
	DomainOS
)

func (d Domain) String() string {
	switch d {
	case DomainX11:
		return "x11"
	case DomainWin32:
		return "win32"
	case DomainOS:
		return "os"
	default:
		return "none"
	}
}

// X11 core protocol error codes.
const (
	X11Success uint32 = iota
	X11BadRequest
	X11BadValue
	X11BadWindow
	X11BadPixmap
	X11BadAtom
	X11BadCursor
	X11BadFont
	X11BadMatch
	X11BadDrawable
	X11BadAccess
	X11BadAlloc
	X11BadColor
	X11BadGC
	X11BadIDChoice
	X11BadName
	X11BadLength
	X11BadImplementation
)

var x11Names = [...]string{
	"Success", "BadRequest", "BadValue", "BadWindow", "BadPixmap", "BadAtom",
	"BadCursor", "BadFont", "BadMatch", "BadDrawable", "BadAccess", "BadAlloc",
	"BadColor", "BadGC", "BadIDChoice", "BadName", "BadLength", "BadImplementation",
}

// Code is the underlying native status of a fault.
type Code struct {
	Domain Domain `json:"domain"`
	Value  uint32 `json:"value"`
}

// X11Code wraps an X11 protocol error code.
func X11Code(v uint32) Code { return Code{Domain: DomainX11, Value: v} }

// Win32Code wraps a GetLastError value.
func Win32Code(v uint32) Code { return Code{Domain: DomainWin32, Value: v} }

// OSCode wraps an errno.
func OSCode(v uint32) Code { return Code{Domain: DomainOS, Value: v} }

func (c Code) String() string {
	switch c.Domain {
	case DomainNone:
		return "none"
	case DomainX11:
		if int(c.Value) < len(x11Names) {
			return x11Names[c.Value]
		}
		return fmt.Sprintf("x11 error %d", c.Value)
	default:
		return fmt.Sprintf("%s error %d", c.Domain, c.Value)
	}
}

// Fault is the aggregate capture error: the stage that failed, the native
// status code, and the wrapped cause.
type Fault struct {
	Stage Stage
	Code  Code
	Err   error
}

// New builds a Fault. A nil err is replaced by the stage's default class.
func New(stage Stage, code Code, err error) *Fault {
	if err == nil {
		err = classFor(stage)
	}
	return &Fault{Stage: stage, Code: code, Err: err}
}

func (f *Fault) Error() string {
	if f.Code.Domain == DomainNone {
		return fmt.Sprintf("%s: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("%s (%s): %v", f.Stage, f.Code, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Wrap converts err into a Fault at stage. An err that already is a Fault
// is returned unchanged so the innermost stage wins.
func Wrap(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	if !hasClass(err) {
		err = fmt.Errorf("%w: %w", classFor(stage), err)
	}
	return New(stage, Code{}, err)
}

// StageOf reports the stage of the Fault inside err, or "" if none.
func StageOf(err error) Stage {
	var f *Fault
	if errors.As(err, &f) {
		return f.Stage
	}
	return ""
}

// classFor returns the error class a failure at stage belongs to.
func classFor(stage Stage) error {
	switch stage {
	case StageConnect:
		return ErrConnection
	case StageResolve:
		return ErrResolution
	case StageAllocate:
		return ErrAllocation
	default:
		return ErrTransfer
	}
}

func hasClass(err error) bool {
	for _, class := range []error{
		ErrConnection, ErrResolution, ErrAllocation, ErrTransfer,
		ErrTimeout, ErrClosed, ErrAlreadyOpen, ErrReleased,
	} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

// Classify picks the error class for a native protocol error observed at
// stage. Bad window/drawable during resolution means the target is gone.
func Classify(stage Stage, code Code) error {
	if code.Domain == DomainX11 {
		switch code.Value {
		case X11BadWindow, X11BadDrawable:
			if stage == StageResolve {
				return ErrNotFound
			}
		case X11BadAlloc, X11BadAccess:
			if stage == StageAllocate {
				return ErrAllocation
			}
		}
	}
	return classFor(stage)
}
