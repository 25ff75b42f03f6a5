// Package router implements the route table: linear first-match-wins model
// lookup, and the session-hash used for key-pool stickiness.
package router

import (
	"encoding/json"
	"hash/fnv"
	"strings"

	"github.com/eugener/portal/internal/portal"
)

// Table is an ordered list of routes plus the default upstream URL used for
// pass-through and fallback traffic.
type Table struct {
	Routes     []portal.Route
	DefaultURL string
}

// New builds a Table from routes in priority order.
func New(routes []portal.Route, defaultURL string) *Table {
	return &Table{Routes: routes, DefaultURL: defaultURL}
}

// FindRoute returns the first route whose MatchPattern is a substring of
// model, and its index. Ordering is significant: configuration order is
// priority order. Returns (0, portal.Route{}, false) on no match.
func (t *Table) FindRoute(model string) (int, portal.Route, bool) {
	for i, r := range t.Routes {
		if strings.Contains(model, r.MatchPattern) {
			return i, r, true
		}
	}
	return 0, portal.Route{}, false
}

const sessionHashPrefixLimit = 512

// SessionHash parses body as JSON, extracts the system field's text (a
// string, or the first array element's text), truncates it to the first
// 512 bytes, and returns a stable 64-bit hash of that prefix. Any parse
// failure or absent/empty system field yields the hash of an empty prefix.
// The hash need not be cryptographic, only stable within one process
// lifetime.
func SessionHash(body []byte) uint64 {
	prefix := systemPrefix(body)
	h := fnv.New64a()
	h.Write(prefix)
	return h.Sum64()
}

func systemPrefix(body []byte) []byte {
	var req struct {
		System json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.System) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(req.System, &asString); err == nil {
		return truncate(asString)
	}

	var asBlocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.System, &asBlocks); err == nil && len(asBlocks) > 0 {
		return truncate(asBlocks[0].Text)
	}

	return nil
}

func truncate(s string) []byte {
	if len(s) > sessionHashPrefixLimit {
		s = s[:sessionHashPrefixLimit]
	}
	return []byte(s)
}
