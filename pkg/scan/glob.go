// HeftyDB's RESP server applies glob patterns to an ascending scan's key stream for its KEYS command;
// this module implements that match, grounded on the teacher's pkg/scan/glob.go (same library, same
// "match key bytes against a parsed pattern" shape) generalized from the teacher's utils.BytePair to
// HeftyDB's own key.Record.
package scan

import (
	"iter"

	"v.io/v23/glob"

	"github.com/hungtd9/heftydb/pkg/key"
)

// MatchGlob filters records, yielding only those whose key matches pattern. An invalid pattern matches
// nothing rather than erroring, since a malformed KEYS argument should surface as an empty result, not
// abort the scan already in progress.
func MatchGlob(pattern []byte, records iter.Seq[key.Record]) iter.Seq[key.Record] {
	parsed, err := glob.Parse(string(pattern))
	if err != nil {
		return func(yield func(key.Record) bool) {}
	}
	return func(yield func(key.Record) bool) {
		for rec := range records {
			if parsed.Head().Match(string(rec.Key)) {
				if !yield(rec) {
					return
				}
			}
		}
	}
}
