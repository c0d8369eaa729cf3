package coap

import "strings"

// WellKnownCorePath is the resource discovery path (RFC 6690 Section 4).
const WellKnownCorePath = ".well-known/core"

// Link is one entry of a CoRE Link Format document (RFC 6690 Section 2).
// Attributes are pre-rendered link parameters such as `rt="temperature"`
// or `obs`.
type Link struct {
	Path       string
	Attributes []string
}

// AppendLinkFormat renders links as an application/link-format payload:
//
//	</sensors/temp>;rt="temperature";obs,</kv>
func AppendLinkFormat(buf []byte, links []Link) []byte {
	for i, l := range links {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, "</"...)
		buf = append(buf, strings.TrimPrefix(l.Path, "/")...)
		buf = append(buf, '>')
		for _, a := range l.Attributes {
			buf = append(buf, ';')
			buf = append(buf, a...)
		}
	}
	return buf
}

// LinkFormatSize returns the exact length of the rendered link-format
// payload without rendering it.
func LinkFormatSize(links []Link) int {
	n := 0
	for i, l := range links {
		if i > 0 {
			n++
		}
		n += len("</>") + len(strings.TrimPrefix(l.Path, "/"))
		for _, a := range l.Attributes {
			n += 1 + len(a)
		}
	}
	return n
}

// ParseLinkFormat splits an application/link-format payload into links.
// Commas and semicolons inside quoted parameter values are preserved.
// Entries without a "<...>" target are skipped.
func ParseLinkFormat(payload []byte) []Link {
	var links []Link
	for _, entry := range splitUnquoted(string(payload), ',') {
		parts := splitUnquoted(strings.TrimSpace(entry), ';')
		target := parts[0]
		if len(target) < 2 || target[0] != '<' || target[len(target)-1] != '>' {
			continue
		}
		l := Link{Path: strings.TrimPrefix(target[1:len(target)-1], "/")}
		for _, a := range parts[1:] {
			if a = strings.TrimSpace(a); a != "" {
				l.Attributes = append(l.Attributes, a)
			}
		}
		links = append(links, l)
	}
	return links
}

func splitUnquoted(s string, sep byte) []string {
	var out []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
