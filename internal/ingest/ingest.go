// Package ingest provides driver readers that consume sample lines from
// external sources.
package ingest

import "valuelog/internal/driver"

// parseErr wraps a parse failure as a protocol error of the named source.
func parseErr(source, raw string, err error) error {
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return &driver.ProtocolError{Driver: source, Reason: err.Error(), Raw: raw}
}
