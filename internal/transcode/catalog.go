package transcode

// Rendition is one immutable rung of the output ladder.
type Rendition struct {
	Name string
	// Height is the target vertical resolution; 0 means passthrough of the
	// source dimensions.
	Height       int
	VideoBitrate string
	AudioBitrate string
	// Codec optionally overrides the encoder chosen for this rendition.
	Codec string
}

// maxRenditions caps how many renditions a single session encodes.
const maxRenditions = 4

// defaultSourceHeight is assumed when the ingest session reports no vertical
// resolution.
const defaultSourceHeight = 720

// StandardLadder returns the fixed ordered rendition catalog, lowest
// resolution first.
func StandardLadder() []Rendition {
	return []Rendition{
		{Name: "240p", Height: 240, VideoBitrate: "350k", AudioBitrate: "128k"},
		{Name: "360p", Height: 360, VideoBitrate: "800k", AudioBitrate: "128k"},
		{Name: "480p", Height: 480, VideoBitrate: "1200k", AudioBitrate: "160k"},
		{Name: "720p", Height: 720, VideoBitrate: "2000k", AudioBitrate: "160k"},
		{Name: "1080p", Height: 1080, VideoBitrate: "3000k", AudioBitrate: "160k"},
	}
}

// SelectRenditions picks the session's rendition set from a ladder: rungs no
// taller than the source (floored at the ladder's smallest rung), capped at
// four, keeping the trailing — highest-resolution — entries.
func SelectRenditions(ladder []Rendition, sourceHeight int) []Rendition {
	if sourceHeight <= 0 {
		sourceHeight = defaultSourceHeight
	}

	floor := 0
	for _, r := range ladder {
		if r.Height > 0 && (floor == 0 || r.Height < floor) {
			floor = r.Height
		}
	}
	minHeight := sourceHeight
	if floor > minHeight {
		minHeight = floor
	}

	selected := make([]Rendition, 0, len(ladder))
	for _, r := range ladder {
		if r.Height == 0 || r.Height <= minHeight {
			selected = append(selected, r)
		}
	}
	if len(selected) > maxRenditions {
		selected = selected[len(selected)-maxRenditions:]
	}
	return selected
}
