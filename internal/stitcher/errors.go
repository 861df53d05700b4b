package stitcher

import "errors"

var (
	// ErrMalformedCue is returned when a splice payload cannot be decoded.
	// The channel is treated as cue-less for that cycle, not failed.
	ErrMalformedCue = errors.New("malformed splice cue")

	// ErrNoMapping is returned by timebase projection before any anchor has
	// been observed (cold start). Callers defer to the next origin refresh.
	ErrNoMapping = errors.New("no timebase mapping established")

	// ErrDecisionTimeout is returned when the decision service does not
	// answer within the configured timeout.
	ErrDecisionTimeout = errors.New("ad decision timed out")

	// ErrDecision is returned for an explicit decision-service failure.
	ErrDecision = errors.New("ad decision failed")

	// ErrOriginUnavailable is returned when the origin playlist cannot be
	// fetched and no previously fetched window is still valid.
	ErrOriginUnavailable = errors.New("origin unavailable")

	// ErrIncompleteWindow is returned by the manifest writer when rendering
	// would produce a playlist ending in a discontinuity with no segment
	// after it, or a window whose segments cannot be resolved.
	ErrIncompleteWindow = errors.New("incomplete rendition window")

	// ErrChannelNotFound is returned for requests against an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrRenditionNotFound is returned when the channel has no such rendition.
	ErrRenditionNotFound = errors.New("rendition not found")

	// ErrChannelEnded is returned when registering over an ended channel.
	ErrChannelEnded = errors.New("channel has ended")
)
