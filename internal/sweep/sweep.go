// Package sweep finds and kills stray browser processes the registry no
// longer knows about. It is an operator tool, run on demand.
package sweep

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/loykin/bridgevisor/internal/history"
	"github.com/loykin/bridgevisor/internal/metrics"
	"github.com/loykin/bridgevisor/internal/process"
	"github.com/loykin/bridgevisor/internal/reclaim"
)

// DefaultSignatures are command-line fragments typical of an automated
// browser. The session directory name is added by the caller.
var DefaultSignatures = []string{"--headless", "--enable-automation", "--remote-debugging-port"}

type Lister interface {
	List(ctx context.Context) ([]process.Info, error)
}

type Killer interface {
	Kill(ctx context.Context, pid int) bool
}

type Reclaimer interface {
	Reclaim(ctx context.Context) reclaim.Result
}

// Options configures a Sweeper.
type Options struct {
	ProcessNames []string
	Signatures   []string

	// Yes skips the confirmation prompt; DryRun only lists candidates.
	Yes    bool
	DryRun bool

	In  io.Reader
	Out io.Writer
	// Interactive reports whether a human can answer the prompt. Defaults
	// to checking that stdin is a terminal.
	Interactive func() bool

	// Self is excluded from candidates. Defaults to os.Getpid().
	Self    int
	Logger  *slog.Logger
	History *history.Recorder
}

// Candidate is a process selected for termination.
type Candidate struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline"`
}

// Report summarizes one sweep.
type Report struct {
	Reclaim    reclaim.Result `json:"reclaim"`
	Candidates []Candidate    `json:"candidates"`
	Killed     []int          `json:"killed"`
	Failed     []int          `json:"failed"`
	Declined   bool           `json:"declined"`
	DryRun     bool           `json:"dry_run"`
}

type Sweeper struct {
	rec    Reclaimer
	lister Lister
	killer Killer
	opts   Options
	log    *slog.Logger
}

func New(rec Reclaimer, lister Lister, killer Killer, o Options) *Sweeper {
	if len(o.ProcessNames) == 0 {
		o.ProcessNames = []string{"chrome", "chromium", "chromium-browser", "headless_shell", "google chrome"}
	}
	if len(o.Signatures) == 0 {
		o.Signatures = DefaultSignatures
	}
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Interactive == nil {
		o.Interactive = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	}
	if o.Self == 0 {
		o.Self = os.Getpid()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Sweeper{rec: rec, lister: lister, killer: killer, opts: o, log: o.Logger.With("component", "sweep")}
}

// Candidates lists host processes that look like stray automated browsers.
func (s *Sweeper) Candidates(ctx context.Context) ([]Candidate, error) {
	procs, err := s.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Candidate
	for _, p := range procs {
		if p.PID == s.opts.Self || !MatchName(p.Name, s.opts.ProcessNames) || !MatchSignature(p.Cmdline, s.opts.Signatures) {
			continue
		}
		out = append(out, Candidate{PID: p.PID, Name: p.Name, Cmdline: p.Cmdline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// Run reclaims known orphans, then lists, confirms and kills candidates.
// Individual kill failures are reported, not returned.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	rep := Report{DryRun: s.opts.DryRun}
	if s.rec != nil {
		rep.Reclaim = s.rec.Reclaim(ctx)
		s.printf("reclaim: checked %d, dropped %d, killed %d\n",
			rep.Reclaim.Checked, rep.Reclaim.Dropped, rep.Reclaim.Killed)
	}

	cands, err := s.Candidates(ctx)
	if err != nil {
		return rep, err
	}
	rep.Candidates = cands
	if len(cands) == 0 {
		s.printf("no stray browser processes found\n")
		return rep, nil
	}
	s.printf("found %d browser process(es):\n", len(cands))
	for _, c := range cands {
		s.printf("  PID %d  %s\n", c.PID, shorten(c.Cmdline, 100))
	}

	if s.opts.DryRun {
		s.printf("dry run, nothing killed\n")
		return rep, nil
	}
	if !s.opts.Yes && s.opts.Interactive() && !s.confirm(len(cands)) {
		rep.Declined = true
		s.printf("aborted\n")
		return rep, nil
	}

	for _, c := range cands {
		if s.killer.Kill(ctx, c.PID) {
			rep.Killed = append(rep.Killed, c.PID)
			s.opts.History.Record(ctx, history.Event{Type: history.EventSweepKill, PID: c.PID, Detail: c.Name})
			continue
		}
		rep.Failed = append(rep.Failed, c.PID)
		s.log.Warn("sweep kill failed", "pid", c.PID)
	}
	metrics.AddSweepKilled(len(rep.Killed))
	s.printf("killed %d, failed %d\n", len(rep.Killed), len(rep.Failed))
	return rep, nil
}

// confirm asks on Out and reads one line from In; anything but y/yes
// declines.
func (s *Sweeper) confirm(n int) bool {
	s.printf("Kill these %d process(es)? [y/N] ", n)
	line, _ := bufio.NewReader(s.opts.In).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (s *Sweeper) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.opts.Out, format, args...)
}

// MatchName reports whether a process name is one of names, ignoring case
// and a ".exe" suffix. Linux truncates names to 15 bytes, so a 15-byte
// name also matches a longer configured name it prefixes.
func MatchName(name string, names []string) bool {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
	if name == "" {
		return false
	}
	for _, n := range names {
		n = strings.ToLower(n)
		if name == n || (len(name) == 15 && strings.HasPrefix(n, name)) {
			return true
		}
	}
	return false
}

// MatchSignature reports whether cmdline contains any of sigs.
func MatchSignature(cmdline string, sigs []string) bool {
	for _, sig := range sigs {
		if sig != "" && strings.Contains(cmdline, sig) {
			return true
		}
	}
	return false
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
