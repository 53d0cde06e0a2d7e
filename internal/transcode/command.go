package transcode

import (
	"fmt"
	"strconv"
	"strings"
)

// Options carries everything command synthesis needs besides the rendition
// set: the ingest location, source geometry, acceleration flags, and the
// packaging tunables.
type Options struct {
	// Input is the ingest location the transcoder reads from, e.g.
	// "rtmp://127.0.0.1:1935/live/abc123".
	Input        string
	SourceHeight int

	UseHardware bool
	// HWAccel names the hardware decode/scale backend (e.g. "cuda");
	// HWEncoder names the encoder family suffix (e.g. "nvenc").
	HWAccel   string
	HWEncoder string

	UseHEVC bool

	SegmentDuration  float64
	KeyframeInterval float64
	ListSize         int
}

// SegmentExt returns the media segment extension the configured packaging
// produces: fragmented MP4 for HEVC, transport stream otherwise.
func (o Options) SegmentExt() string {
	if o.UseHEVC {
		return "m4s"
	}
	return "ts"
}

// BuildArgs synthesizes the single ffmpeg invocation that reads the published
// stream once and produces one live playlist plus segments per rendition and
// a master manifest. forceSoftware overrides the hardware flag for the
// fallback retry path.
//
// Keyframes are forced at a fixed expression-based cadence, independent of
// source keyframe placement, so segment boundaries align across renditions.
func BuildArgs(renditions []Rendition, opts Options, forceSoftware bool) []string {
	useHardware := opts.UseHardware && !forceSoftware
	hwaccel, hwenc := "", ""
	if useHardware {
		hwaccel = opts.HWAccel
		hwenc = opts.HWEncoder
	}

	args := []string{"-strict", "experimental"}
	if hwaccel != "" {
		args = append(args, "-hwaccel", hwaccel, "-hwaccel_output_format", hwaccel)
	}
	args = append(args,
		"-fflags", "+igndts+genpts",
		"-dts_delta_threshold", "0",
		"-i", opts.Input,
		"-noautoscale",
		"-ar", "44100",
		"-ac", "2",
	)
	if opts.UseHEVC {
		args = append(args, "-bsf:v", "hevc_mp4toannexb")
	} else {
		args = append(args, "-bsf:v", "h264_mp4toannexb")
	}
	args = append(args,
		"-bsf:a", "aac_adtstoasc",
		"-async", "1",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", formatFloat(opts.KeyframeInterval)),
	)
	if useHardware {
		args = append(args,
			"-no-scenecut", "1",
			"-rc", "cbr_hq",
			"-forced-idr", "1",
			"-rc-lookahead", "30",
		)
	} else {
		// Timestamp normalization; without these the software encoders hit
		// non-monotonic DTS errors on typical RTMP input.
		args = append(args,
			"-enc_time_base", "-1",
			"-video_track_timescale", "1000",
			"-vsync", "2",
		)
	}
	if hwenc != "" {
		args = append(args, "-preset", "p7")
	} else {
		args = append(args, "-preset", "medium")
	}

	scaleFilter := "scale"
	if hwaccel != "" {
		scaleFilter = "scale_" + hwaccel
	}
	graph, videoMaps := buildFilterGraph(renditions, opts.SourceHeight, scaleFilter)
	if graph != "" {
		args = append(args, "-filter_complex", graph)
	}

	for i, r := range renditions {
		args = append(args,
			"-map", videoMaps[i],
			fmt.Sprintf("-c:v:%d", i), videoCodec(r, opts, hwenc),
			fmt.Sprintf("-b:v:%d", i), r.VideoBitrate,
			fmt.Sprintf("-maxrate:v:%d", i), r.VideoBitrate,
			fmt.Sprintf("-bufsize:v:%d", i), r.VideoBitrate,
			"-map", "0:a:0",
			fmt.Sprintf("-c:a:%d", i), "aac",
		)
		if r.AudioBitrate != "" {
			args = append(args, fmt.Sprintf("-b:a:%d", i), r.AudioBitrate)
		}
	}

	streamMap := make([]string, len(renditions))
	for i, r := range renditions {
		streamMap[i] = fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name)
	}
	segmentType := "mpegts"
	if opts.UseHEVC {
		segmentType = "fmp4"
	}
	args = append(args,
		"-var_stream_map", strings.Join(streamMap, " "),
		"-hls_list_size", strconv.Itoa(opts.ListSize),
		"-threads", "0",
		"-f", "hls",
		"-hls_segment_type", segmentType,
		"-hls_time", formatFloat(opts.SegmentDuration),
		"-master_pl_name", "master.m3u8",
		"-y", "%v.m3u8",
	)
	return args
}

// buildFilterGraph produces the -filter_complex value and one video map per
// rendition. Renditions matching the source height (or passthrough) map the
// input directly; the rest share scaling branches fanned out from a single
// decode, with identical target heights deduplicated into one scale.
func buildFilterGraph(renditions []Rendition, sourceHeight int, scaleFilter string) (string, []string) {
	maps := make([]string, len(renditions))

	type branch struct {
		height    int
		consumers []int
	}
	var branches []branch
	seen := make(map[int]int)
	for i, r := range renditions {
		if r.Height == 0 || r.Height == sourceHeight {
			maps[i] = "0:v:0"
			continue
		}
		j, ok := seen[r.Height]
		if !ok {
			j = len(branches)
			seen[r.Height] = j
			branches = append(branches, branch{height: r.Height})
		}
		branches[j].consumers = append(branches[j].consumers, i)
	}
	if len(branches) == 0 {
		return "", maps
	}

	var chains []string
	sources := make([]string, len(branches))
	if len(branches) == 1 {
		sources[0] = "[0:v]"
	} else {
		split := fmt.Sprintf("[0:v]split=%d", len(branches))
		for j := range branches {
			label := fmt.Sprintf("[in%d]", j)
			split += label
			sources[j] = label
		}
		chains = append(chains, split)
	}

	for j, br := range branches {
		if len(br.consumers) == 1 {
			label := fmt.Sprintf("[v%d]", br.height)
			chains = append(chains, fmt.Sprintf("%s%s=-2:%d%s", sources[j], scaleFilter, br.height, label))
			maps[br.consumers[0]] = label
			continue
		}
		// Multiple renditions at the same dimensions share one scale.
		chain := fmt.Sprintf("%s%s=-2:%d,split=%d", sources[j], scaleFilter, br.height, len(br.consumers))
		for k, idx := range br.consumers {
			label := fmt.Sprintf("[v%dc%d]", br.height, k)
			chain += label
			maps[idx] = label
		}
		chains = append(chains, chain)
	}

	return strings.Join(chains, ";"), maps
}

func videoCodec(r Rendition, opts Options, hwenc string) string {
	if r.Codec != "" {
		return r.Codec
	}
	base := "h264"
	if opts.UseHEVC {
		base = "hevc"
	}
	if hwenc != "" {
		return base + "_" + hwenc
	}
	if opts.UseHEVC {
		return "libx265"
	}
	return "libx264"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
