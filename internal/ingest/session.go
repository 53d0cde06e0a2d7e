// Package ingest defines the boundary to the external ingest server: the
// live view of a publishing session, the lifecycle gateway it drives, and the
// connect-time admission checks (application allow-list, address blocklist).
// The ingest wire protocol itself (RTMP/FLV parsing) lives outside this repo.
package ingest

// Session is the media server's live view of one publishing ingest session.
// The ingest server keeps the codec and dimension fields updated as detection
// progresses; VideoCodec and AudioCodec return "" until detected.
type Session interface {
	ID() string
	AppName() string
	// StreamPath is the full publish path, e.g. "/live/abc123".
	StreamPath() string
	RemoteIP() string
	VideoCodec() string
	AudioCodec() string
	SourceWidth() int
	SourceHeight() int
	// IsPublishing turns false as soon as the publisher disconnects, even
	// while codec detection is still pending.
	IsPublishing() bool
}
