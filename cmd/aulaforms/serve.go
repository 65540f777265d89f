package main

import (
	"time"

	"github.com/aulaforms/aulaforms/httputil"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the forms over http",
		Long: `Serve starts the http server with the json api and the form pages.
It stops gracefully on SIGINT or SIGTERM.

Example:
  aulaforms serve
  aulaforms serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			ctx, stop := httputil.SignalContext(cmd.Context())
			defer stop()
			srv := httputil.NewServer(addr, a.webHandler(ctx, version))
			return httputil.Run(ctx, srv, nil, 10*time.Second)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (default: http.addr setting)")
	return cmd
}
