// Package gstreamer implements the decode feed and metadata probe on top of
// GStreamer (go-gst).
//
// Pipeline structure:
//
//	filesrc → decodebin → videoconvert → videoscale → capsfilter(BGR, W×H) → appsink
//
// GStreamer pads raw BGR rows to 4 bytes, which is exactly the packing the
// decoder expects, so mapped buffers are written through untouched.
package gstreamer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-motion/internal/feed"
)

var initOnce sync.Once

// Init initializes GStreamer once per process and checks the elements the
// pipelines need are installed.
func Init() error {
	initOnce.Do(func() { gst.Init(nil) })

	for _, name := range []string{"filesrc", "decodebin", "videoconvert", "videoscale", "appsink"} {
		if gst.Find(name) == nil {
			return fmt.Errorf("gstreamer: element %q not available", name)
		}
	}
	return nil
}

// pipelineElements holds references needed while a run is active.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// launchString builds the decode pipeline description for s.
func launchString(s feed.Settings) string {
	return fmt.Sprintf(
		"filesrc location=%s ! "+
			"decodebin ! "+
			"videoconvert n-threads=0 ! "+
			"videoscale ! "+
			"video/x-raw,format=%s,width=%d,height=%d ! "+
			"appsink name=sink sync=false max-buffers=2 emit-signals=false",
		quote(s.Path), s.Format, s.Width, s.Height,
	)
}

// quote escapes a path for gst_parse_launch.
func quote(path string) string {
	return strconv.Quote(path)
}

// createPipeline parses and wires the decode pipeline. The pipeline is left
// in NULL state.
func createPipeline(s feed.Settings) (*pipelineElements, error) {
	pipeline, err := gst.NewPipelineFromString(launchString(s))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to find appsink: %w", err)
	}

	return &pipelineElements{
		Pipeline: pipeline,
		AppSink:  app.SinkFromElement(sinkElement),
	}, nil
}

// destroyPipeline stops the pipeline and releases its resources.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// classify maps a GStreamer error message onto a feed kind.
func classify(gerr *gst.GError) feed.Kind {
	if gerr == nil {
		return feed.KindPipeline
	}
	msg := strings.ToLower(gerr.Error() + " " + gerr.DebugString())
	return feed.Classify(fmt.Errorf("%s", msg))
}
