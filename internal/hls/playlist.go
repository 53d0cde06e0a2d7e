package hls

import (
	"strconv"
	"strings"
)

// Segment represents a single media segment of one rendition. Index is the
// segment's declared position in delivery order, parsed from its URI.
type Segment struct {
	Index    int
	Duration float64
	URI      string
}

// LivePlaylist is the parsed form of the transcoder's transient playlist file.
// The file is rewritten wholesale every packaging cycle, so the segment list
// here is only the window the transcoder currently advertises.
type LivePlaylist struct {
	InitURI  string
	Segments []Segment
}

// ParseLivePlaylist extracts segment records and the optional initialization
// segment URI from raw playlist text. Records whose duration or index cannot
// be parsed are dropped; a torn or partially written file therefore yields a
// shorter (possibly empty) result rather than an error, and the caller simply
// retries on the next poll cycle.
func ParseLivePlaylist(data []byte, rendition string) LivePlaylist {
	var pl LivePlaylist

	lines := strings.Split(string(data), "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		switch {
		case strings.HasPrefix(line, "#EXT-X-MAP:URI=\""):
			uri := strings.TrimPrefix(line, "#EXT-X-MAP:URI=\"")
			if end := strings.Index(uri, "\""); end >= 0 {
				pl.InitURI = uri[:end]
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			attrs := strings.TrimPrefix(line, "#EXTINF:")
			if comma := strings.Index(attrs, ","); comma >= 0 {
				attrs = attrs[:comma]
			}
			duration, err := strconv.ParseFloat(attrs, 64)
			if err != nil || i+1 >= len(lines) {
				continue
			}
			uri := strings.TrimRight(lines[i+1], "\r")
			if uri == "" || strings.HasPrefix(uri, "#") {
				continue
			}
			i++
			index, ok := parseSegmentIndex(uri, rendition)
			if !ok {
				continue
			}
			pl.Segments = append(pl.Segments, Segment{
				Index:    index,
				Duration: duration,
				URI:      uri,
			})
		}
	}

	return pl
}

// parseSegmentIndex recovers a segment's index from its URI by stripping the
// rendition name prefix and the codec-dependent extension (.ts, .m4s, ...).
func parseSegmentIndex(uri, rendition string) (int, bool) {
	if !strings.HasPrefix(uri, rendition) {
		return 0, false
	}
	rest := strings.TrimPrefix(uri, rendition)
	if dot := strings.Index(rest, "."); dot >= 0 {
		rest = rest[:dot]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
