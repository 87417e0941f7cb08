package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/e7canasta/orion-motion/internal/framebuffer"
)

// Kind classifies feed failures so the playback controller can tell
// lifecycle races apart from real pipeline faults.
type Kind int

const (
	// KindAborted means the feed was cancelled (stop/restart).
	KindAborted Kind = iota
	// KindClosed means the sink went away underneath the feed.
	KindClosed
	// KindNotFound means the input file is missing.
	KindNotFound
	// KindDecode covers codec and caps negotiation failures.
	KindDecode
	// KindPipeline covers everything else the backend reports.
	KindPipeline
)

// String returns a short label for logs.
func (k Kind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindClosed:
		return "closed"
	case KindNotFound:
		return "not_found"
	case KindDecode:
		return "decode"
	case KindPipeline:
		return "pipeline"
	default:
		return "unknown"
	}
}

// Transient reports whether failures of this kind are expected during
// stop/restart cycles.
func (k Kind) Transient() bool {
	return k == KindAborted || k == KindClosed
}

// ErrAborted is the cause of errors produced by a cancelled feed.
var ErrAborted = errors.New("feed: aborted")

// Error is returned by feeds and probers.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("feed: %s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error whose Kind is derived from err.
func Errorf(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Classify derives a Kind from an arbitrary error.
//
// Typed causes win; backend messages that only carry text are matched by
// keyword, most specific first.
func Classify(err error) Kind {
	var fe *Error
	switch {
	case err == nil:
		return KindPipeline
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrAborted):
		return KindAborted
	case errors.Is(err, framebuffer.ErrClosed), errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return KindClosed
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "resource not found", "could not open", "no such file"):
		return KindNotFound
	case containsAny(msg, "not-negotiated", "not negotiated", "decode", "codec", "no decoder", "missing plugin", "format"):
		return KindDecode
	default:
		return KindPipeline
	}
}

// IsTransient reports whether err is a failure the controller may discard.
func IsTransient(err error) bool {
	return err != nil && Classify(err).Transient()
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
