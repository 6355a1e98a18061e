package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bridgevisor"
	"github.com/loykin/bridgevisor/internal/config"
	"github.com/loykin/bridgevisor/pkg/client"
)

// loadConfig reads the config file (defaults when path is empty) and
// resolves relative paths against the working directory.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.ResolveWorkDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSupervisor builds a supervisor for one-shot commands. It never
// launches the browser.
func openSupervisor(path string) (*bridgevisor.Supervisor, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return bridgevisor.New(cfg, bridgevisor.WithLogger(cfg.Log.NewSlogger()))
}

func runSweep(cmd *cobra.Command, path string, f SweepFlags) error {
	sup, err := openSupervisor(path)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	_, err = sup.Sweeper(bridgevisor.SweepOptions{
		Yes:    f.Yes,
		DryRun: f.DryRun,
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
	}).Run(cmd.Context())
	return err
}

func runCleanup(cmd *cobra.Command, path string, f RemoteFlags) error {
	out := cmd.OutOrStdout()
	if f.APIUrl != "" {
		res, err := newClient(f).Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		printCleanup(out, res.Checked, res.Dropped, res.Killed, res.KillFailed, res.Kept)
		return nil
	}

	sup, err := openSupervisor(path)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	res := sup.Cleanup(cmd.Context())
	printCleanup(out, res.Checked, res.Dropped, res.Killed, res.KillFailed, res.Kept)
	return nil
}

func printCleanup(w io.Writer, checked, dropped, killed, failed, kept int) {
	_, _ = fmt.Fprintf(w, "checked %d, dropped %d, killed %d, kill failures %d, kept %d\n",
		checked, dropped, killed, failed, kept)
}

func runStatus(cmd *cobra.Command, path string, f RemoteFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if f.APIUrl != "" {
		c := newClient(f)
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		procs, err := c.Processes(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			return writeJSON(out, map[string]any{"session": st, "processes": procs})
		}
		_, _ = fmt.Fprintf(out, "session %s (connected=%t, pid=%d, qr_pending=%t, instance=%s)\n",
			st.State, st.Connected, st.PID, st.QRPending, st.InstanceID)
		return printProcesses(out, procs)
	}

	sup, err := openSupervisor(path)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	procs := localProcesses(ctx, sup)
	if f.JSON {
		return writeJSON(out, procs)
	}
	return printProcesses(out, procs)
}

func localProcesses(ctx context.Context, sup *bridgevisor.Supervisor) []client.Process {
	tracked := sup.Tracked(ctx)
	procs := make([]client.Process, 0, len(tracked))
	for _, p := range tracked {
		procs = append(procs, client.Process{
			PID:        p.PID,
			StartTime:  p.StartTime,
			InstanceID: p.InstanceID,
			Running:    sup.IsRunning(ctx, p.PID),
		})
	}
	return procs
}

func printProcesses(w io.Writer, procs []client.Process) error {
	if len(procs) == 0 {
		_, _ = fmt.Fprintln(w, "no tracked processes")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PID\tRUNNING\tOWNER\tREGISTERED\tAGE")
	now := time.Now()
	for _, p := range procs {
		_, _ = fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\n",
			p.PID, p.Running, p.InstanceID,
			p.RegisteredAt().Format(time.RFC3339),
			now.Sub(p.RegisteredAt()).Truncate(time.Second))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClient(f RemoteFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Logger:   slog.Default(),
		CACert:   f.APICACert,
		Insecure: f.APIInsecure,
	})
}
