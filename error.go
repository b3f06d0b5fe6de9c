package flowplug

import (
	"errors"
	"fmt"
	"strings"
)

// Usage errors returned by interface methods when called in the wrong state.
// Transport, handshake and decode errors are ordinary wrapped errors and tear
// down the connection instead.
var (
	// ErrNoCallContext is returned by engine calls made on an interface that
	// was not obtained from a plugin call.
	ErrNoCallContext = errors.New("plugin call id not set for making engine call")

	// ErrCallAfterGoodbye is returned by the manager when the engine sends a
	// plugin call after Goodbye.
	ErrCallAfterGoodbye = errors.New("received a plugin call after Goodbye")

	// ErrManagerGone is returned by engine calls made after the manager's
	// consume loop has stopped.
	ErrManagerGone = errors.New("interface manager is no longer running")
)

// ErrorLabel points an error message at a span of engine-side source.
type ErrorLabel struct {
	Text string `cbor:"text" json:"text"`
	Span Span   `cbor:"span" json:"span"`
}

// LabeledError is the portable error value exchanged with the engine. It
// implements error, so plugin code can return one directly; any other error is
// converted with AsLabeledError at the protocol boundary.
type LabeledError struct {
	Msg    string         `cbor:"msg" json:"msg"`
	Labels []ErrorLabel   `cbor:"labels,omitempty" json:"labels,omitempty"`
	Code   string         `cbor:"code,omitempty" json:"code,omitempty"`
	URL    string         `cbor:"url,omitempty" json:"url,omitempty"`
	Help   string         `cbor:"help,omitempty" json:"help,omitempty"`
	Inner  []LabeledError `cbor:"inner,omitempty" json:"inner,omitempty"`
}

// NewLabeledError creates a LabeledError with the given main message.
func NewLabeledError(msg string) *LabeledError {
	return &LabeledError{Msg: msg}
}

// NewLabeledErrorf creates a LabeledError from a format string.
func NewLabeledErrorf(format string, args ...any) *LabeledError {
	return &LabeledError{Msg: fmt.Sprintf(format, args...)}
}

func (e *LabeledError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)
	for _, label := range e.Labels {
		if label.Text != "" {
			sb.WriteString(": ")
			sb.WriteString(label.Text)
		}
	}
	return sb.String()
}

// WithLabel attaches a labeled span to the error and returns it.
func (e *LabeledError) WithLabel(text string, span Span) *LabeledError {
	e.Labels = append(e.Labels, ErrorLabel{Text: text, Span: span})
	return e
}

// WithCode sets the machine-readable error code and returns the error.
func (e *LabeledError) WithCode(code string) *LabeledError {
	e.Code = code
	return e
}

// WithHelp sets the help text and returns the error.
func (e *LabeledError) WithHelp(help string) *LabeledError {
	e.Help = help
	return e
}

// WithInner nests another error under this one and returns the error.
func (e *LabeledError) WithInner(inner *LabeledError) *LabeledError {
	e.Inner = append(e.Inner, *inner)
	return e
}

// AsLabeledError converts any error to a LabeledError. A LabeledError anywhere
// in the chain is used as-is; everything else becomes a plain message.
func AsLabeledError(err error) *LabeledError {
	var le *LabeledError
	if errors.As(err, &le) {
		return le
	}
	return &LabeledError{Msg: err.Error()}
}
