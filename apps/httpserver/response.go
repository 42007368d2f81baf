package httpserver

import (
	"fmt"
	"strings"

	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/refcount"
)

// StatusCode is an HTTP response status code.
type StatusCode int

// StatusOK is the default status a BufferedResponseWriter sends if
// WriteStatus is never called.
const StatusOK StatusCode = 200

func (s StatusCode) String() string {
	switch s {
	case 200:
		return "200 OK"
	case 400:
		return "400 Bad Request"
	case 404:
		return "404 Not Found"
	case 500:
		return "500 Internal Server Error"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// Headers is a case-insensitive (by convention: callers lower-case keys)
// multimap of response header values.
type Headers map[string][]string

// Add appends value to name's header, preserving any existing values.
func (h Headers) Add(name, value string) {
	h[name] = append(h[name], value)
}

type responseState int

const (
	stateBeforeHeaders responseState = iota
	stateSendingHeaders
	stateSendingBody
	stateFinished
)

// ResponseWriter is a streaming, backpressure-aware HTTP response
// writer: status and headers must be set before the first Flush call
// that actually sends anything, after which no further header writes
// are allowed.
type ResponseWriter interface {
	WriteStatus(status StatusCode)
	Headers() Headers
	WriteBody(data []byte)
	// Flush sends as much buffered data as fits in one channel message.
	// It returns (true, nil) once everything has been sent, (false, nil)
	// when more remains (call Flush again), or a non-nil error on a
	// fatal send failure.
	Flush() (bool, error)
	SentHeaders() bool
}

// BufferedResponseWriter is the ResponseWriter every httpserver
// connection uses, grounded on apiserver's BufferedResponseWriter: a
// multi-stage state machine (BeforeHeaders -> SendingHeaders ->
// SendingBody -> Finished) that surrenders progress a chunk at a time.
type BufferedResponseWriter struct {
	state   responseState
	status  StatusCode
	headers Headers
	body    []byte

	headerBytes []byte
	sendIndex   int

	ch refcount.SharedRef[channel.Channel]
}

// NewBufferedResponseWriter returns a writer that sends through ch.
func NewBufferedResponseWriter(ch refcount.SharedRef[channel.Channel]) *BufferedResponseWriter {
	return &BufferedResponseWriter{headers: make(Headers), ch: ch}
}

func (w *BufferedResponseWriter) WriteStatus(status StatusCode) {
	if w.state != stateBeforeHeaders {
		panic("httpserver: cannot write status after headers have been sent")
	}
	w.status = status
}

func (w *BufferedResponseWriter) Headers() Headers {
	if w.state != stateBeforeHeaders {
		panic("httpserver: cannot modify headers after they have been sent")
	}
	return w.headers
}

func (w *BufferedResponseWriter) WriteBody(data []byte) {
	if w.state == stateFinished {
		panic("httpserver: cannot write body after flush() has finished")
	}
	w.body = append(w.body, data...)
}

func (w *BufferedResponseWriter) SentHeaders() bool {
	return w.state != stateBeforeHeaders
}

// sendChunk sends up to MessageDataLenMax bytes of data starting at
// *index, advancing it by however much was sent.
func (w *BufferedResponseWriter) sendChunk(data []byte, index *int) error {
	remaining := data[*index:]
	chunkSize := len(remaining)
	if chunkSize > channel.MessageDataLenMax {
		chunkSize = channel.MessageDataLenMax
	}
	chunk := remaining[:chunkSize]

	info := channel.MessageInfo{Kind: 0, DataLen: uint16(len(chunk))}
	code := w.ch.Get().Send(nil, info, chunk, nil)
	if code != errcode.OK {
		return errcode.Wrap(code)
	}
	*index += chunkSize
	return nil
}

func (w *BufferedResponseWriter) Flush() (bool, error) {
	switch w.state {
	case stateBeforeHeaders:
		status := w.status
		if status == 0 {
			status = StatusOK
		}

		var b strings.Builder
		fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", status)
		b.WriteString("Connection: close\r\n")
		for name, values := range w.headers {
			for _, value := range values {
				fmt.Fprintf(&b, "%s: %s\r\n", name, value)
			}
		}
		fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(w.body))

		w.headerBytes = []byte(b.String())
		w.sendIndex = 0
		w.state = stateSendingHeaders
		return false, nil

	case stateSendingHeaders:
		if err := w.sendChunk(w.headerBytes, &w.sendIndex); err != nil {
			return false, err
		}
		if w.sendIndex >= len(w.headerBytes) {
			w.state = stateSendingBody
			w.sendIndex = 0
		}
		return false, nil

	case stateSendingBody:
		if err := w.sendChunk(w.body, &w.sendIndex); err != nil {
			return false, err
		}
		if w.sendIndex >= len(w.body) {
			w.state = stateFinished
			return true, nil
		}
		return false, nil

	default: // stateFinished
		return true, nil
	}
}
