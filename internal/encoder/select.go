package encoder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/smazurov/camnode/internal/ffmpeg"
	"github.com/smazurov/camnode/internal/media"
)

// hardwarePriority orders hardware backends from most to least preferred.
var hardwarePriority = []string{"rkmpp", "vaapi", "v4l2m2m", "nvenc", "qsv"}

// encoderLine matches a capability column such as "V....D" or "V..X.."
// followed by the encoder name.
var encoderLine = regexp.MustCompile(`^\s*([VASFXBD.]{6})\s+(\S+)\s+(.+)$`)

// ParseEncoders returns the video encoder names in `ffmpeg -encoders`
// output.
func ParseEncoders(output string) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	started := false
	for scanner.Scan() {
		line := scanner.Text()
		if !started {
			started = strings.HasPrefix(strings.TrimSpace(line), "------")
			continue
		}
		m := encoderLine.FindStringSubmatch(line)
		if len(m) != 4 || m[1][0] != 'V' || m[2] == "=" {
			continue
		}
		names = append(names, m[2])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading encoder list: %w", err)
	}
	return names, nil
}

// SoftwareEncoder returns the software encoder for codec.
func SoftwareEncoder(codec media.Codec) string {
	if codec == media.CodecH265 {
		return "libx265"
	}
	return "libx264"
}

// Select picks the encoder name for codec from the available list. A
// software preference, or no usable hardware encoder, yields
// libx264/libx265.
func Select(codec media.Codec, softwarePreferred bool, available []string) string {
	if softwarePreferred {
		return SoftwareEncoder(codec)
	}
	prefix := "h264_"
	if codec == media.CodecH265 {
		prefix = "hevc_"
	}
	have := make(map[string]bool, len(available))
	for _, name := range available {
		have[name] = true
	}
	for _, hw := range hardwarePriority {
		if name := prefix + hw; have[name] {
			return name
		}
	}
	return SoftwareEncoder(codec)
}

// Catalog lists ffmpeg encoders once and caches the result.
type Catalog struct {
	once  sync.Once
	names []string
	err   error
	list  func(ctx context.Context) (string, error)
}

// NewCatalog returns a catalog backed by the ffmpeg binary.
func NewCatalog() *Catalog {
	return &Catalog{list: listEncoders}
}

// NewStaticCatalog returns a catalog with a fixed encoder list.
func NewStaticCatalog(names ...string) *Catalog {
	c := &Catalog{names: names}
	c.once.Do(func() {})
	return c
}

// Names returns the available video encoders.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	c.once.Do(func() {
		out, err := c.list(ctx)
		if err != nil {
			c.err = err
			return
		}
		c.names, c.err = ParseEncoders(out)
	})
	return c.names, c.err
}

// Select picks an encoder for codec. A failure to list encoders falls back
// to software.
func (c *Catalog) Select(ctx context.Context, codec media.Codec, softwarePreferred bool) string {
	if softwarePreferred {
		return SoftwareEncoder(codec)
	}
	names, err := c.Names(ctx)
	if err != nil {
		return SoftwareEncoder(codec)
	}
	return Select(codec, false, names)
}

func listEncoders(ctx context.Context) (string, error) {
	args := ffmpeg.EncodersListArgs()
	if _, err := exec.LookPath(args[0]); err != nil {
		return "", fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to list encoders: %w", err)
	}
	return string(out), nil
}
