// Package httpserver ties the request parser and response writer
// together into an eventloop.ChannelHandler: one per connected client,
// parsing incoming chunks into Requests and driving a Handler's
// response back out through a BufferedResponseWriter.
package httpserver

import (
	"github.com/starina-os/starina/apps/eventloop"
	"github.com/starina-os/starina/internal/klog"
)

// Handler answers one parsed Request by writing to w. It must call
// w.WriteStatus/w.Headers/w.WriteBody as needed before returning; the
// connection handler drains w via Flush afterwards.
type Handler func(req *Request, w ResponseWriter)

// Service is the HTTP server sample app's state: the single Handler
// every connected client is routed to.
type Service struct {
	handler Handler
}

// New returns a Service that answers every request with handler.
func New(handler Handler) *Service {
	return &Service{handler: handler}
}

// NewClientHandler returns the ChannelHandler a Dispatcher should
// register for a freshly connected client channel.
func (s *Service) NewClientHandler() eventloop.ChannelHandler {
	return &clientHandler{handler: s.handler, parser: NewRequestParser()}
}

// clientHandler is one client connection: it owns a RequestParser and,
// once a request completes, a BufferedResponseWriter it drains on every
// subsequent readable event until the response is fully sent.
type clientHandler struct {
	handler Handler
	parser  *RequestParser
	writer  *BufferedResponseWriter
}

func (h *clientHandler) IsReceivable(ctx *eventloop.ChannelContext) bool {
	// Once a response is pending flush, stop accepting more request
	// bytes until this client's current request is fully answered.
	return h.writer == nil
}

func (h *clientHandler) Data(ctx *eventloop.ChannelContext, data []byte) {
	part, err := h.parser.ParseChunk(data)
	if err != nil {
		klog.L.Warning().Str("err", err.Error()).Log("httpserver: request parse failed")
		return
	}
	if part == nil {
		return
	}

	if part.Request != nil {
		h.writer = NewBufferedResponseWriter(ctx.ChRef)
		h.handler(part.Request, h.writer)
		h.flush(ctx)
		return
	}

	// part.Body: a body chunk for a request whose handler already ran
	// synchronously against FirstBody. Streaming-body handlers are out
	// of scope; the chunk is simply discarded once the response started.
}

func (h *clientHandler) flush(ctx *eventloop.ChannelContext) {
	for {
		done, err := h.writer.Flush()
		if err != nil {
			klog.L.Warning().Str("err", err.Error()).Log("httpserver: response flush failed")
			return
		}
		if done {
			h.writer = nil
			h.parser = NewRequestParser()
			return
		}
	}
}

func (h *clientHandler) Disconnected(ctx *eventloop.ChannelContext) {}
