//go:build linux

package v4l2

import (
	"context"
	"log/slog"
	"sort"

	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/pkg/linuxav/hotplug"
	linuxv4l2 "github.com/smazurov/camnode/pkg/linuxav/v4l2"
)

// fourCC to ffmpeg -input_format, in preference order.
var inputFormats = []struct {
	fourCC string
	ffmpeg string
	output media.Format
}{
	{"MJPG", "mjpeg", media.FormatJPEG},
	{"YUYV", "yuyv422", media.FormatYUV420},
	{"YU12", "yuv420p", media.FormatYUV420},
	{"NV12", "nv12", media.FormatYUV420},
}

type sysProber struct {
	logger *slog.Logger
}

func newSystemProber(logger *slog.Logger) prober {
	return sysProber{logger: logger}
}

func (p sysProber) probe(context.Context) ([]probedDevice, error) {
	nodes, err := linuxv4l2.Devices()
	if err != nil {
		return nil, err
	}
	var out []probedDevice
	for _, node := range nodes {
		formats, err := linuxv4l2.Formats(node.Path)
		if err != nil {
			p.logger.Debug("Skipping device without formats", "path", node.Path, "error", err)
			continue
		}
		dev, ok := pickFormat(node, formats, linuxv4l2.FrameSizes)
		if !ok {
			p.logger.Debug("Skipping device without a usable format", "path", node.Path)
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

// pickFormat chooses the most preferred native format of node and lists
// its frame sizes, smallest first.
func pickFormat(
	node linuxv4l2.Device,
	formats []linuxv4l2.Format,
	frameSizes func(path string, fourcc uint32) ([]linuxv4l2.Size, error),
) (probedDevice, bool) {
	for _, want := range inputFormats {
		for _, f := range formats {
			if f.Emulated || f.String() != want.fourCC {
				continue
			}
			dev := probedDevice{
				id:          node.ID,
				name:        node.Name,
				path:        node.Path,
				inputFormat: want.ffmpeg,
				output:      want.output,
			}
			if res, err := frameSizes(node.Path, f.FourCC); err == nil {
				for _, r := range res {
					dev.resolutions = append(dev.resolutions, media.Size{Width: int(r.Width), Height: int(r.Height)})
				}
				sort.Slice(dev.resolutions, func(i, j int) bool {
					a, b := dev.resolutions[i], dev.resolutions[j]
					return a.Width*a.Height < b.Width*b.Height
				})
			}
			return dev, true
		}
	}
	return probedDevice{}, false
}

// watchRemoval calls gone when a video4linux remove event names the node
// at path. It returns when ctx is done or the netlink socket fails.
func watchRemoval(ctx context.Context, path string, logger *slog.Logger, gone func()) {
	mon, err := hotplug.Listen(hotplug.SubsystemVideo4Linux)
	if err != nil {
		logger.Debug("Hotplug monitor unavailable", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan hotplug.Event, 8)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := mon.Run(ctx, events); err != nil && ctx.Err() == nil {
			logger.Warn("Hotplug monitor stopped", "error", err)
		}
	}()
	defer func() {
		cancel()
		<-runDone
		_ = mon.Close()
	}()

	for ev := range events {
		if ev.Action == hotplug.ActionRemove && ev.Node() == path {
			logger.Info("Camera removed", "path", path)
			gone()
			return
		}
	}
}
