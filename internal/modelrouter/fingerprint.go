package modelrouter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint canonicalizes a BackendRequest into a stable string
// suitable for cache keys and rendezvous hashing: sampling params are
// sorted by name and floats rounded to 6 decimal places so that
// semantically-identical requests submitted with different map
// iteration order or float formatting still fingerprint identically.
// This is a supplemented feature grounded on the gateway caching
// engine's normalizePrompt, generalized from prompt text alone to the
// full (model, prompt, params) tuple the router dispatches on.
func Fingerprint(req BackendRequest) string {
	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteByte('\x00')
	b.WriteString(req.Prompt)

	if len(req.Params) > 0 {
		keys := make([]string, 0, len(req.Params))
		for k := range req.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\x00')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strconv.FormatFloat(req.Params[k], 'f', 6, 64))
		}
	}

	sum := xxhash.Sum64String(b.String())
	return strconv.FormatUint(sum, 16)
}
