// Package commands implements the gocoapctl CLI commands.
package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/plgd-dev/go-coap/v3/message"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gocoap/internal/coap"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// optionNames maps option numbers to display names.
var optionNames = map[message.OptionID]string{
	message.IfMatch:       "If-Match",
	message.URIHost:       "Uri-Host",
	message.ETag:          "ETag",
	message.IfNoneMatch:   "If-None-Match",
	message.Observe:       "Observe",
	message.URIPort:       "Uri-Port",
	message.LocationPath:  "Location-Path",
	coap.OptionOSCORE:     "OSCORE",
	message.URIPath:       "Uri-Path",
	message.ContentFormat: "Content-Format",
	message.MaxAge:        "Max-Age",
	message.URIQuery:      "Uri-Query",
	coap.OptionHopLimit:   "Hop-Limit",
	message.Accept:        "Accept",
	message.LocationQuery: "Location-Query",
	message.Block2:        "Block2",
	message.Block1:        "Block1",
	message.Size2:         "Size2",
	message.ProxyURI:      "Proxy-Uri",
	message.ProxyScheme:   "Proxy-Scheme",
	message.Size1:         "Size1",
	coap.OptionEcho:       "Echo",
	coap.OptionNoResponse: "No-Response",
	coap.OptionRequestTag: "Request-Tag",
}

// uintOptions render as decimal numbers.
var uintOptions = map[message.OptionID]bool{
	message.Observe:       true,
	message.URIPort:       true,
	message.ContentFormat: true,
	message.MaxAge:        true,
	message.Accept:        true,
	message.Size1:         true,
	message.Size2:         true,
	coap.OptionHopLimit:   true,
	coap.OptionNoResponse: true,
}

// stringOptions render as text.
var stringOptions = map[message.OptionID]bool{
	message.URIHost:       true,
	message.LocationPath:  true,
	message.URIPath:       true,
	message.URIQuery:      true,
	message.LocationQuery: true,
	message.ProxyURI:      true,
	message.ProxyScheme:   true,
}

// optionView is the printable form of one option.
type optionView struct {
	Number uint16 `json:"number" yaml:"number"`
	Name   string `json:"name"   yaml:"name"`
	Value  string `json:"value"  yaml:"value"`
}

// responseView is the printable form of a response.
type responseView struct {
	Code    string       `json:"code"              yaml:"code"`
	Type    string       `json:"type"              yaml:"type"`
	Options []optionView `json:"options,omitempty" yaml:"options,omitempty"`
	Payload string       `json:"payload,omitempty" yaml:"payload,omitempty"`

	// PayloadHex is set instead of Payload for binary content.
	PayloadHex string `json:"payload_hex,omitempty" yaml:"payload_hex,omitempty"`
}

// linkView is the printable form of one discovered resource.
type linkView struct {
	Path       string   `json:"path"                 yaml:"path"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// formatResponse renders a response in the requested format.
func formatResponse(m *coap.Message, format string) (string, error) {
	v := newResponseView(m)
	switch format {
	case formatText:
		return formatResponseText(v)
	case formatJSON:
		return marshalJSON(v)
	case formatYAML:
		return marshalYAML(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatLinks renders a discovery result in the requested format.
func formatLinks(links []coap.Link, format string) (string, error) {
	views := make([]linkView, 0, len(links))
	for _, l := range links {
		views = append(views, linkView{Path: "/" + l.Path, Attributes: l.Attributes})
	}

	switch format {
	case formatText:
		return formatLinksText(views)
	case formatJSON:
		return marshalJSON(views)
	case formatYAML:
		return marshalYAML(views)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func newResponseView(m *coap.Message) responseView {
	v := responseView{
		Code: codeName(m),
		Type: typeName(m.Type),
	}
	for _, o := range m.Options {
		v.Options = append(v.Options, optionView{
			Number: uint16(o.ID),
			Name:   optionName(o.ID),
			Value:  optionValue(o),
		})
	}
	if len(m.Payload) > 0 {
		if utf8.Valid(m.Payload) {
			v.Payload = string(m.Payload)
		} else {
			v.PayloadHex = hex.EncodeToString(m.Payload)
		}
	}
	return v
}

// --- Text formatters ---

func formatResponseText(v responseView) (string, error) {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s (%s)\n", v.Code, v.Type)

	if len(v.Options) > 0 {
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		for _, o := range v.Options {
			fmt.Fprintf(w, "  %s:\t%s\n", o.Name, o.Value)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
	}

	switch {
	case v.Payload != "":
		buf.WriteString("\n" + v.Payload + "\n")
	case v.PayloadHex != "":
		buf.WriteString("\n" + v.PayloadHex + "\n")
	}

	return strings.TrimRight(buf.String(), "\n"), nil
}

func formatLinksText(links []linkView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tATTRIBUTES")

	for _, l := range links {
		fmt.Fprintf(w, "%s\t%s\n", l.Path, strings.Join(l.Attributes, ";"))
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// --- Serializers ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// --- Value helpers ---

func codeName(m *coap.Message) string {
	if m.IsEmpty() {
		return "0.00 Empty"
	}
	return coap.CodeString(m.Code) + " " + m.Code.String()
}

func typeName(t message.Type) string {
	switch t {
	case message.Confirmable:
		return "CON"
	case message.NonConfirmable:
		return "NON"
	case message.Acknowledgement:
		return "ACK"
	case message.Reset:
		return "RST"
	default:
		return strconv.Itoa(int(t))
	}
}

func optionName(id message.OptionID) string {
	if name, ok := optionNames[id]; ok {
		return name
	}
	return "Option(" + strconv.Itoa(int(id)) + ")"
}

func optionValue(o message.Option) string {
	switch {
	case uintOptions[o.ID]:
		v, err := coap.DecodeUint(o.Value)
		if err != nil {
			return hex.EncodeToString(o.Value)
		}
		return strconv.FormatUint(uint64(v), 10)
	case stringOptions[o.ID]:
		return string(o.Value)
	default:
		return hex.EncodeToString(o.Value)
	}
}
