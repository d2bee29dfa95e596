package proxy

import (
	"context"
	"errors"
	"io"
	"strings"

	"burrow/internal/httpio"
)

// Handler sends one response body to the client.
type Handler interface {
	// Handle sends the response header and body and releases the
	// resource.
	Handle(ctx context.Context) error

	// ChangesContentSize reports whether the body sent differs in size
	// from the resource, which rules out a Content-Length.
	ChangesContentSize() bool
}

// HandlerRequest is everything a handler works with.
type HandlerRequest struct {
	Conn      *Connection
	Request   *httpio.Header
	Response  *httpio.Header
	Content   httpio.ResourceSource
	MayCache  bool
	MayFilter bool

	// Size is the body size, or -1 when unknown.
	Size int64
}

// HandlerFactory creates the handler for a response.
type HandlerFactory interface {
	NewHandler(r *HandlerRequest) Handler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(r *HandlerRequest) Handler

func (f HandlerFactoryFunc) NewHandler(r *HandlerRequest) Handler {
	return f(r)
}

// handlerRegistry maps content types to handler factories.
type handlerRegistry struct {
	byType   map[string]HandlerFactory
	fallback HandlerFactory
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		byType:   make(map[string]HandlerFactory),
		fallback: HandlerFactoryFunc(NewBaseHandler),
	}
}

func (hr *handlerRegistry) register(contentType string, f HandlerFactory) {
	hr.byType[normalizeContentType(contentType)] = f
}

// factoryFor picks the factory for the response's content type: an exact
// match first, then the media type without parameters. Responses that
// may not be filtered always get the base handler.
func (hr *handlerRegistry) factoryFor(mayFilter bool, response *httpio.Header) HandlerFactory {
	ct := normalizeContentType(response.Get("Content-Type"))
	if !mayFilter || ct == "" {
		return hr.fallback
	}
	if f, ok := hr.byType[ct]; ok {
		return f
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		if f, ok := hr.byType[ct[:i]]; ok {
			return f
		}
	}
	return hr.fallback
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.ReplaceAll(ct, "; ", ";")
}

// BaseHandler sends the resource unchanged, storing a copy in the cache
// when allowed.
type BaseHandler struct {
	req *HandlerRequest
}

// NewBaseHandler is the default HandlerFactoryFunc.
func NewBaseHandler(r *HandlerRequest) Handler {
	return &BaseHandler{req: r}
}

func (h *BaseHandler) ChangesContentSize() bool { return false }

func (h *BaseHandler) Handle(ctx context.Context) error {
	c := h.req.Conn
	content := h.req.Content
	defer content.Release()

	fill := newCacheFill(h.req)

	if data := h.req.Response.Bytes(); len(data) > 0 {
		if err := c.writeClient(ctx, data); err != nil {
			fill.abort()
			return err
		}
	}

	var err error
	if content.SupportsTransfer() && !c.chunk && fill == nil {
		_, err = content.TransferTo(ctx, c.proxy.d, c.ch, c.client)
	} else {
		err = h.relay(ctx, fill)
	}

	fill.finish(ctx, err == nil)
	return err
}

// relay copies the resource block by block, teeing it into the cache.
func (h *BaseHandler) relay(ctx context.Context, fill *cacheFill) error {
	c := h.req.Conn
	content := h.req.Content
	sender := httpio.NewBlockSender(ctx, c.proxy.d, c.ch, c.chunk, c.client)

	for {
		block, err := content.ReadBlock(ctx)
		if len(block) > 0 {
			fill.write(block)
			if serr := sender.Send(block); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	var trailer *httpio.Header
	if t, ok := content.(interface{ Trailer() *httpio.Header }); ok {
		trailer = t.Trailer()
	}
	return sender.Finish(trailer)
}
