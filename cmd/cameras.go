package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/camera/testsrc"
	"github.com/smazurov/camnode/internal/camera/v4l2"
	"github.com/smazurov/camnode/internal/config"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/spf13/cobra"
)

const enumerateTimeout = 10 * time.Second

// NewDriver returns the camera driver called name.
func NewDriver(name string, opts v4l2.Options) (camera.Driver, error) {
	switch name {
	case v4l2.DriverName, "":
		return v4l2.New(opts), nil
	case testsrc.DriverName:
		return testsrc.New(testsrc.Options{}), nil
	default:
		return nil, fmt.Errorf("unknown camera driver %q", name)
	}
}

// CreateCamerasCmd creates the cameras command.
func CreateCamerasCmd() *cobra.Command {
	var configFile string
	var driverName string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "cameras",
		Short: "List available cameras",
		Long: `Enumerates the cameras of the selected driver the way the server does, ` +
			`applying the disabled list and overrides of the [camera] table.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			file, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			driver, err := NewDriver(driverName, v4l2.Options{})
			if err != nil {
				return err
			}
			enum := camera.NewEnumerator(file.Camera.EnumeratorOptions(), driver)

			ctx, cancel := context.WithTimeout(context.Background(), enumerateTimeout)
			defer cancel()
			ids, err := enum.Enumerate(ctx)
			if err != nil {
				return fmt.Errorf("enumerate cameras: %w", err)
			}
			return printCameras(c.OutOrStdout(), ids, enum.Disabled, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&driverName, "driver", v4l2.DriverName, "Camera driver (v4l2, testsrc)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

func printCameras(w io.Writer, ids []camera.Identity, disabled func(string) bool, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ids)
	}
	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, "no cameras found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFACING\tORIENTATION\tDEVICE\tSTATE\tRESOLUTIONS")
	for _, id := range ids {
		sizes := make([]string, len(id.Resolutions))
		for i, s := range id.Resolutions {
			sizes[i] = s.String()
		}
		device := id.DevicePath
		if device == "" {
			device = "-"
		}
		state := "enabled"
		if disabled(id.ID) {
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			id.ID, id.Name, id.LensFacing, id.SensorOrientation, device, state, strings.Join(sizes, " "))
	}
	return tw.Flush()
}
