package httpclient

import "io"

// DefaultOutputCapBytes is the 50MB output size cap from §4.5/§8.
const DefaultOutputCapBytes = 50 * 1024 * 1024

const truncationMarker = "\n...[truncated: output exceeded size cap]"

// ReadAllCapped reads up to limit bytes of r. If the stream has more than
// limit bytes, the returned data is truncated to limit and truncated is
// true — the caller appends the marker before returning the tool result,
// matching §8's "truncated with a marker on overflow" boundary behavior.
// Exactly-at-cap input is returned whole and untruncated.
func ReadAllCapped(r io.Reader, limit int64) (data []byte, truncated bool, err error) {
	limited := &io.LimitedReader{R: r, N: limit + 1}
	data, err = io.ReadAll(limited)
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// AppendTruncationMarker appends the overflow marker to truncated output.
func AppendTruncationMarker(data []byte) []byte {
	return append(data, []byte(truncationMarker)...)
}
