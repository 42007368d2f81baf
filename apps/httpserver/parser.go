// Package httpserver implements the in-kernel HTTP server sample app: a
// line-oriented request parser and a multi-stage buffered response
// writer, driven per connection by apps/eventloop.
//
// Grounded on the original kernel's apps/bin/http_server/http.rs (the
// parser state machine) and apps/servers/apiserver/src/http/response.rs
// (the buffered, backpressure-aware writer).
package httpserver

import (
	"strings"
)

// parserState is a request parser's position in the line-oriented state
// machine (spec.md §4.10).
type parserState int

const (
	stateReadingStartLine parserState = iota
	stateReadingHeaders
	stateReadingBody
	stateErrored
)

// maxHeadersSize bounds the accumulated header bytes before a request is
// rejected, mirroring the original's remaining_headers_size budget.
const maxHeadersSize = 16 * 1024

// Request is a parsed HTTP request line and header block. FirstBody
// holds whatever body bytes arrived in the same chunk as the blank line
// ending the headers.
type Request struct {
	Method    string
	Path      string
	Headers   map[string][]string
	FirstBody []byte
}

// Part is the result of feeding one chunk to the parser: either a
// completed Request, a Body chunk once in the body-reading state, or
// nothing yet (an incomplete chunk).
type Part struct {
	Request *Request
	Body    []byte
}

// ParseError enumerates why a chunk could not be parsed.
type ParseError int

const (
	ErrNone ParseError = iota
	ErrErrored
	ErrTooLongRequest
	ErrInvalidStartLine
	ErrUnsupportedHTTPVersion
	ErrUnsupportedMethod
	ErrInvalidHeader
	ErrEmptyHeaderKey
)

func (e ParseError) Error() string {
	switch e {
	case ErrErrored:
		return "parser already in error state"
	case ErrTooLongRequest:
		return "request headers too long"
	case ErrInvalidStartLine:
		return "invalid request line"
	case ErrUnsupportedHTTPVersion:
		return "unsupported HTTP version"
	case ErrUnsupportedMethod:
		return "unsupported method"
	case ErrInvalidHeader:
		return "invalid header line"
	case ErrEmptyHeaderKey:
		return "empty header key"
	default:
		return "no error"
	}
}

var supportedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// RequestParser incrementally parses an HTTP/1.x request across
// however many chunks it arrives in.
type RequestParser struct {
	state         parserState
	headersBuf    string
	remainingSize int
	method        string
	path          string
	headers       map[string][]string
}

// NewRequestParser returns a parser ready to read a request's start line.
func NewRequestParser() *RequestParser {
	return &RequestParser{state: stateReadingStartLine, remainingSize: maxHeadersSize}
}

// ParseChunk feeds chunk to the parser. It returns a non-nil *Part when
// a request line and headers have just been completed (Part.Request) or
// when already reading the body (Part.Body == chunk); both a nil *Part
// and a nil error mean the chunk was consumed but no event yet exists.
func (p *RequestParser) ParseChunk(chunk []byte) (*Part, error) {
	part, err := p.doParseChunk(chunk)
	if err != nil {
		p.state = stateErrored
	}
	return part, err
}

func (p *RequestParser) doParseChunk(chunk []byte) (*Part, error) {
	switch p.state {
	case stateReadingBody:
		return &Part{Body: chunk}, nil
	case stateErrored:
		return nil, ErrErrored
	}

	if len(chunk) > p.remainingSize {
		return nil, ErrTooLongRequest
	}
	p.remainingSize -= len(chunk)

	oldPartialLen := len(p.headersBuf)
	p.headersBuf += string(chunk)
	headersBuf := p.headersBuf
	p.headersBuf = ""

	consumedLen := 0
	for _, line := range splitInclusive(headersBuf, "\r\n") {
		if !strings.HasSuffix(line, "\r\n") {
			break
		}
		consumedLen += len(line)

		switch p.state {
		case stateReadingStartLine:
			fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
			if len(fields) != 3 {
				return nil, ErrInvalidStartLine
			}
			method, path, version := fields[0], fields[1], fields[2]

			if version != "HTTP/1.1" && version != "HTTP/1.0" {
				return nil, ErrUnsupportedHTTPVersion
			}

			methodUpper := strings.ToUpper(method)
			if !supportedMethods[methodUpper] {
				return nil, ErrUnsupportedMethod
			}

			p.method = methodUpper
			p.path = path
			p.headers = make(map[string][]string)
			p.state = stateReadingHeaders

		case stateReadingHeaders:
			if line == "\r\n" {
				bodyOffset := consumedLen - oldPartialLen
				if bodyOffset < 0 {
					bodyOffset = 0
				}
				bodyChunk := chunk[bodyOffset:]
				req := &Request{Method: p.method, Path: p.path, Headers: p.headers, FirstBody: bodyChunk}
				p.state = stateReadingBody
				return &Part{Request: req}, nil
			}

			fields := strings.SplitN(strings.TrimRight(line, "\r\n"), ":", 2)
			if len(fields) != 2 {
				return nil, ErrInvalidHeader
			}
			key := strings.ToLower(strings.TrimSpace(fields[0]))
			value := strings.TrimSpace(fields[1])
			if key == "" {
				return nil, ErrEmptyHeaderKey
			}
			p.headers[key] = append(p.headers[key], value)
		}
	}

	p.headersBuf = headersBuf[consumedLen:]
	return nil, nil
}

// splitInclusive splits s on every occurrence of sep, keeping sep as
// part of each element except possibly the last (mirroring Rust's
// str::split_inclusive).
func splitInclusive(s, sep string) []string {
	var out []string
	for {
		i := strings.Index(s, sep)
		if i < 0 {
			if s != "" {
				out = append(out, s)
			}
			return out
		}
		out = append(out, s[:i+len(sep)])
		s = s[i+len(sep):]
	}
}
