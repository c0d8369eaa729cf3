package server

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Resource Handlers
// -------------------------------------------------------------------------

// Request is a request handed to a resource handler. For OSCORE-protected
// requests Message is the decrypted inner message.
type Request struct {
	Message *coap.Message
	Peer    netip.AddrPort

	// Service is the name of the Service the request arrived on.
	Service string

	// Path is the request path without leading slash.
	Path string

	// Protected reports whether the request was OSCORE-protected.
	Protected bool

	// Notification is set when the handler renders an Observe notification
	// rather than answering a request from the wire.
	Notification bool
}

// Response is a handler result. A zero Code selects the success code of
// the method: 2.05 Content for GET and FETCH, 2.02 Deleted for DELETE and
// 2.04 Changed otherwise.
type Response struct {
	Code    codes.Code
	Options message.Options
	Payload []byte
}

// Content returns a 2.05 response with a Content-Format option.
func Content(format message.MediaType, payload []byte) *Response {
	return &Response{
		Code:    codes.Content,
		Options: message.Options{{ID: message.ContentFormat, Value: coap.EncodeUint(uint32(format))}},
		Payload: payload,
	}
}

// Handler responds to CoAP requests on a resource.
//
// Handlers run on the dispatch goroutine with the server lock held; they
// must not block and must not call Server methods other than Notify.
type Handler interface {
	ServeCoAP(req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) (*Response, error)

// ServeCoAP implements Handler.
func (f HandlerFunc) ServeCoAP(req *Request) (*Response, error) { return f(req) }

// Resource binds a handler to a path.
type Resource struct {
	// Path is the resource path, with or without leading slash.
	Path string

	// Prefix makes the resource serve every path below Path as well.
	Prefix bool

	// Attributes are link-format parameters listed in /.well-known/core,
	// such as `rt="temperature"`.
	Attributes []string

	// Observable allows Observe registrations on GET and FETCH.
	Observable bool

	// Confirmable sends every notification as CON.
	Confirmable bool

	// Hidden omits the resource from /.well-known/core.
	Hidden bool

	Handler Handler
}

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

// Router is the resource table shared by one or more Services. Safe for
// concurrent use.
type Router struct {
	mu        sync.RWMutex
	resources []*Resource
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers res. Returns ErrDuplicateResource if the path is taken.
func (r *Router) Handle(res Resource) error {
	res.Path = cleanPath(res.Path)
	if res.Observable && !slices.Contains(res.Attributes, "obs") {
		res.Attributes = append(slices.Clone(res.Attributes), "obs")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cur := range r.resources {
		if cur.Path == res.Path {
			return fmt.Errorf("resource /%s: %w", res.Path, ErrDuplicateResource)
		}
	}
	r.resources = append(r.resources, &res)
	return nil
}

// Lookup returns the resource serving path: an exact match first, then the
// longest matching prefix resource.
func (r *Router) Lookup(path string) (*Resource, bool) {
	path = cleanPath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Resource
	for _, res := range r.resources {
		if res.Path == path {
			return res, true
		}
		if !res.Prefix || !strings.HasPrefix(path, res.Path+"/") {
			continue
		}
		if best == nil || len(res.Path) > len(best.Path) {
			best = res
		}
	}
	return best, best != nil
}

// Links returns the link-format entries of every visible resource in
// registration order.
func (r *Router) Links() []coap.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]coap.Link, 0, len(r.resources))
	for _, res := range r.resources {
		if res.Hidden {
			continue
		}
		links = append(links, coap.Link{Path: res.Path, Attributes: res.Attributes})
	}
	return links
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}
