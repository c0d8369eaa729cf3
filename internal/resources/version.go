package resources

import (
	"encoding/json"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/server"
	appversion "github.com/dantte-lp/gocoap/internal/version"
)

// VersionPath is the path of the build information resource.
const VersionPath = "version"

// Version serves the build information as application/json.
type Version struct {
	info appversion.Info
}

// NewVersion creates the resource for info.
func NewVersion(info appversion.Info) *Version {
	return &Version{info: info}
}

// Resource returns the router entry.
func (v *Version) Resource() server.Resource {
	return server.Resource{
		Path:       VersionPath,
		Attributes: []string{`rt="gocoap.version"`, "ct=50"},
		Handler:    v,
	}
}

// ServeCoAP implements server.Handler.
func (v *Version) ServeCoAP(req *server.Request) (*server.Response, error) {
	if req.Message.Code != codes.GET {
		return nil, fmt.Errorf("%s /%s: %w", coap.MethodName(req.Message.Code), req.Path, server.ErrMethodNotAllowed)
	}
	body, err := json.Marshal(v.info)
	if err != nil {
		return nil, fmt.Errorf("encode version: %w", err)
	}
	return server.Content(message.AppJSON, body), nil
}
