package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pdf-assistant-go/internal/app"
)

func newIndexCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the vector index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Drop tombstoned vectors and save the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			reclaimed, err := a.Compact(ctx)
			if err != nil {
				return err
			}
			live, err := a.Index.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d tombstones, %d vectors live\n", reclaimed, live)
			return nil
		},
	})
	return cmd
}

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// serve 使用配置中的入库模式，可以走 Kafka
			a, err := app.New(ctx, o.cfg)
			if err != nil {
				return err
			}
			serveErr := a.Serve(ctx)
			if err := a.Close(); err != nil && serveErr == nil {
				return err
			}
			return serveErr
		},
	}
}
