package streaming

import "strings"

// Decoder splits chunked wire text into frame segments.
//
// The trailing, possibly incomplete segment is retained and prepended to the
// next chunk, so frame boundaries are recovered regardless of how the upstream
// slices the byte stream. At most one fragment is held at a time.
type Decoder struct {
	pending string
}

// Feed appends chunk and returns every complete segment in arrival order.
func (d *Decoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	text := d.pending + string(chunk)
	parts := strings.Split(text, frameDelimiter)
	d.pending = parts[len(parts)-1]

	segments := make([]string, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		if strings.TrimSpace(p) == "" {
			continue
		}
		segments = append(segments, p)
	}
	return segments
}

// Flush returns and clears the retained fragment.
func (d *Decoder) Flush() string {
	rest := d.pending
	d.pending = ""
	return rest
}

// Pending returns the size of the retained fragment in bytes.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Reset discards the retained fragment.
func (d *Decoder) Reset() {
	d.pending = ""
}
