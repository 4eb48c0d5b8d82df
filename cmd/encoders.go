package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/media"
	"github.com/spf13/cobra"
)

// CreateEncodersCmd creates the encoders command.
func CreateEncodersCmd() *cobra.Command {
	var software bool

	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "Show the encoders ffmpeg offers and the ones sinks would use",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), enumerateTimeout)
			defer cancel()
			return printEncoders(ctx, c.OutOrStdout(), encoder.NewCatalog(), software)
		},
	}

	cmd.Flags().BoolVar(&software, "software", false, "Show the selection with software encoding preferred")

	return cmd
}

func printEncoders(ctx context.Context, w io.Writer, catalog *encoder.Catalog, software bool) error {
	names, err := catalog.Names(ctx)
	if err != nil {
		return fmt.Errorf("list encoders: %w", err)
	}
	names = slices.Clone(names)
	slices.Sort(names)

	fmt.Fprintln(w, "Available:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
	fmt.Fprintln(w, "Selected:")
	for _, codec := range []media.Codec{media.CodecH264, media.CodecH265} {
		fmt.Fprintf(w, "  %s: %s\n", codec, catalog.Select(ctx, codec, software))
	}
	return nil
}
