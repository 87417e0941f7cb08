// Package motion assembles the motion comparison pipeline.
//
// A Pipeline decodes a video through a bounded frame buffer, compares every
// pair of consecutive frames inside a region of interest and fans the
// results out to the activity series, the MQTT emitter, the websocket event
// hub and the snapshot writer:
//
//	feed → decoder → framebuffer → loop → compare (+ shade) → consumers
//
// The decode backend is chosen by the caller through a Source, so this
// package builds without cgo. The gstreamer and opencv sources live in
// internal/feed and are wired by cmd/motion-compare.
package motion
