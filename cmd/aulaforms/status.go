package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aulaforms/aulaforms/pool"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

type fileStatus struct {
	File   string `json:"file"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
	// Lock is set when the file is locked
	Lock *lockStatus `json:"lock,omitempty"`
}

type lockStatus struct {
	Holder   string    `json:"holder"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
	Expired  bool      `json:"expired"`
}

type statusReport struct {
	Backend string       `json:"backend"`
	Host    string       `json:"host,omitempty"`
	Dir     string       `json:"dir"`
	Remote  string       `json:"remote"`
	Error   string       `json:"error,omitempty"`
	Pool    pool.Stats   `json:"pool"`
	Files   []fileStatus `json:"files,omitempty"`
}

func (a *app) status(ctx context.Context) (*statusReport, error) {
	r := a.cfg.Remote
	rep := &statusReport{Backend: r.Backend, Host: r.Host, Dir: r.Dir, Remote: "ok"}
	defer func() { rep.Pool = a.pool.Stats() }()
	if err := a.store.Ping(ctx); err != nil {
		rep.Remote, rep.Error = "unavailable", err.Error()
		return rep, err
	}
	now := a.now()
	for _, name := range a.recordFiles() {
		fs := fileStatus{File: name}
		fi, err := a.store.Stat(ctx, name)
		if err != nil {
			return rep, err
		}
		if fi != nil {
			fs.Exists, fs.Size = true, fi.Size()
		}
		lease, err := a.store.LockInfo(ctx, name)
		if err != nil {
			return rep, err
		}
		if lease != nil {
			fs.Lock = &lockStatus{
				Holder:   lease.Holder,
				Acquired: lease.Acquired,
				Expires:  lease.Expires,
				Expired:  !lease.Expires.IsZero() && now.After(lease.Expires),
			}
		}
		rep.Files = append(rep.Files, fs)
	}
	return rep, nil
}

func writePrettyJSON(w io.Writer, v any, color bool) error {
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d = pretty.Pretty(d)
	if color {
		d = pretty.Color(d, pretty.TerminalStyle)
	}
	_, err = w.Write(d)
	return err
}

func newStatusCmd(c *cli) *cobra.Command {
	var color bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the remote host and the record files",
		Long: `Status connects to the remote host and shows the connection pool,
size of each record file and any lock held on it.

Exits with an error if the remote host can't be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			rep, err := c.app.status(ctx)
			if perr := writePrettyJSON(cmd.OutOrStdout(), rep, color); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&color, "color", false, "colorize output")
	return cmd
}
