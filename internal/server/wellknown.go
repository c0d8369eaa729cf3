package server

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Resource Discovery — RFC 6690 Section 4
// -------------------------------------------------------------------------

// discovery answers a request for /.well-known/core.
func (s *Server) discovery(svc *Service, req *coap.Message) *coap.Message {
	if req.Code != codes.GET {
		return svc.newResponse(req, codes.MethodNotAllowed)
	}

	resp := svc.newResponse(req, codes.Content)
	resp.SetUint(message.ContentFormat, uint32(message.AppLinkFormat))
	resp.Payload = coap.AppendLinkFormat(nil, discoveryLinks(svc.router, req))
	return resp
}

// discoveryLinks returns the links of router selected by the query of req.
func discoveryLinks(router *Router, req *coap.Message) []coap.Link {
	links := router.Links()
	for _, q := range req.Queries() {
		links = filterLinks(links, q)
	}
	return links
}

// filterLinks keeps the links matching one query filter `name=value`
// (RFC 6690 Section 4.1). A trailing `*` in value matches any suffix;
// `href` filters on the path.
func filterLinks(links []coap.Link, query string) []coap.Link {
	name, want, ok := strings.Cut(query, "=")
	if !ok || name == "" {
		return links
	}

	var out []coap.Link
	for _, l := range links {
		if name == "href" {
			if matchValue("/"+l.Path, want) {
				out = append(out, l)
			}
			continue
		}
		for _, a := range l.Attributes {
			an, av, _ := strings.Cut(a, "=")
			if an != name {
				continue
			}
			if matchAny(strings.Trim(av, `"`), want) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// matchAny matches want against each space-separated value of v.
func matchAny(v, want string) bool {
	for _, f := range strings.Fields(v) {
		if matchValue(f, want) {
			return true
		}
	}
	return v == "" && want == ""
}

func matchValue(v, want string) bool {
	if prefix, ok := strings.CutSuffix(want, "*"); ok {
		return strings.HasPrefix(v, prefix)
	}
	return v == want
}
