package wire

import "strings"

// hopByHop is the set of headers that must never be forwarded verbatim
// through a proxy (spec §8 property 3). Keep-Alive is included because
// it is meaningful only between this proxy and its immediate peer.
var hopByHop = map[string]struct{}{
	"proxy-authorization": {},
	"proxy-connection":    {},
	"connection":          {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"keep-alive":          {},
}

// IsHopByHop reports whether name (case-insensitive) is a hop-by-hop
// header that must be stripped before forwarding.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// StripHopByHop returns a copy of headers with all hop-by-hop fields
// removed, preserving the relative order of what remains.
func StripHopByHop(headers []HeaderField) []HeaderField {
	out := make([]HeaderField, 0, len(headers))
	for _, f := range headers {
		if IsHopByHop(f.Name) {
			continue
		}
		out = append(out, f)
	}
	return out
}
