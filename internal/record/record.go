// Package record defines the unit of data the tailing engine hands to the
// downstream channel.
package record

// Record is one framed unit of file content: a single line, or (in
// multiline mode) the merged body of several consecutive lines. Bytes are
// the literal file content between two frame boundaries, excluding the
// trailing LF and any preceding CR.
type Record struct {
	Raw     []byte
	Headers map[string]string

	// Path is the file the record was read from, kept alongside Headers so
	// callers can inspect provenance even when fileHeader isn't configured.
	Path string

	// StartOffset is the lineReadPos value at the start of this record's
	// bytes — used for the optional byteoffset header.
	StartOffset int64
}

// WithHeader returns a copy of r with key=value merged into its headers,
// used to layer the path, byteoffset and multiline headers onto a record
// without mutating the shared FileGroup header map.
func (r Record) WithHeader(key, value string) Record {
	merged := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		merged[k] = v
	}
	merged[key] = value
	r.Headers = merged
	return r
}
