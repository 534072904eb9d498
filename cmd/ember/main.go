// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Command ember is the CLI embedder around the scheduler core: it loads
// ember.yaml, wires the content store/snapshot/process/intrinsics
// components into one Scheduler, and either runs a single query
// directly or speaks to (or becomes) a persistent nailgun server for
// repeated invocations (§4.9).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/emberbuild/ember/internal/config"
	"github.com/emberbuild/ember/internal/digest"
	"github.com/emberbuild/ember/internal/graph"
	"github.com/emberbuild/ember/internal/intrinsics"
	"github.com/emberbuild/ember/internal/logging"
	"github.com/emberbuild/ember/internal/nailgun"
	"github.com/emberbuild/ember/internal/process"
	"github.com/emberbuild/ember/internal/rules"
	"github.com/emberbuild/ember/internal/scheduler"
	"github.com/emberbuild/ember/internal/snapshot"
	"github.com/emberbuild/ember/internal/watch"
)

func main() {
	var (
		configFile  = flag.StringP("config", "f", "ember.yaml", "configuration file")
		verbose     = flag.BoolP("verbose", "v", false, "verbose engine logging")
		force       = flag.BoolP("force", "B", false, "unconditional rebuild (bypass revalidation)")
		dryRun      = flag.BoolP("dry-run", "n", false, "dry run: resolve the query but skip side-effecting execution")
		jobs        = flag.IntP("jobs", "j", 0, "parallel query jobs (0=auto)")
		why         = flag.Bool("why", false, "explain the resolved node's dependencies after running")
		showGraph   = flag.Bool("graph", false, "print the resolved node's dependency subgraph")
		showState   = flag.Bool("state", false, "dump every memoised node in the store")
		runServer   = flag.Bool("server", false, "start (or become) the persistent build server")
		useServer   = flag.Bool("nailgun", false, "dispatch through the persistent build server if one is running")
		excludeFlag = flag.StringSlice("exclude", nil, "glob patterns to exclude")
	)
	flag.Parse()

	if err := run(runOptions{
		configFile: *configFile, verbose: *verbose, force: *force, dryRun: *dryRun,
		jobs: *jobs, why: *why, showGraph: *showGraph, showState: *showState,
		runServer: *runServer, useServer: *useServer, exclude: *excludeFlag,
		includes: flag.Args(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ember: %s\n", err)
		os.Exit(scheduler.ExitCode(err))
	}
}

type runOptions struct {
	configFile string
	verbose    bool
	force      bool
	dryRun     bool
	jobs       int
	why        bool
	showGraph  bool
	showState  bool
	runServer  bool
	useServer  bool
	exclude    []string
	includes   []string
}

// engine bundles every component New() wires together, the thing one
// server process (or one one-shot CLI invocation) owns (§4.9).
type engine struct {
	cfg        config.Config
	log        *zap.Logger
	store      *digest.Store
	tree       *snapshot.Tree
	ignore     *snapshot.IgnoreSet
	watcher    *watch.Watcher
	dispatcher *process.Dispatcher
	registry   *intrinsics.Registry
	compiler   *rules.Compiler
	sched      *scheduler.Scheduler
}

func buildEngine(opts runOptions) (*engine, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.jobs > 0 {
		cfg.Executor.LocalParallelism = opts.jobs
	}
	if cfg.Executor.LocalParallelism <= 0 {
		cfg.Executor.LocalParallelism = runtime.NumCPU()
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	buildRoot, err := filepath.Abs(cfg.BuildRoot)
	if err != nil {
		return nil, err
	}

	store, err := digest.NewStore(cfg.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	tree := &snapshot.Tree{Store: store}

	ignore, err := snapshot.LoadIgnoreFiles(buildRoot, cfg.Ignore.Files, cfg.Ignore.Extra)
	if err != nil {
		return nil, fmt.Errorf("load ignore files: %w", err)
	}

	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		roots := cfg.Watch.Roots
		if len(roots) == 0 {
			roots = []string{buildRoot}
		}
		watcher, err = watch.New(buildRoot, roots, cfg.Watch.CoalesceWindow)
		if err != nil {
			return nil, fmt.Errorf("start watcher: %w", err)
		}
	}

	local := process.NewLocalExecutor(buildRoot, store, cfg.Executor.LocalParallelism)
	dispatcher := process.NewDispatcher(local, nil, nil)

	registry := intrinsics.NewRegistry(store, tree, buildRoot, ignore, dispatcher)

	compiler := rules.NewCompiler(nil)
	intrinsics.Register(compiler)

	roots := []rules.Query{
		{Output: intrinsics.TypeDigest, RootParams: []rules.Type{intrinsics.TypePathGlobs}},
	}
	sched, err := scheduler.New(scheduler.Options{
		Store:       graph.NewStore(),
		Compiler:    compiler,
		Intrinsics:  registry,
		Dispatcher:  dispatcher,
		Watcher:     watcher,
		Logger:      log,
		Roots:       roots,
		Parallelism: cfg.Executor.LocalParallelism,
	})
	if err != nil {
		return nil, err
	}

	return &engine{
		cfg: cfg, log: log, store: store, tree: tree, ignore: ignore,
		watcher: watcher, dispatcher: dispatcher, registry: registry,
		compiler: compiler, sched: sched,
	}, nil
}

func (e *engine) Close() {
	_ = e.sched.Close()
}

func run(opts runOptions) error {
	e, err := buildEngine(opts)
	if err != nil {
		return &scheduler.UserError{Err: err}
	}
	defer e.Close()

	if opts.runServer {
		return runAsServer(e, opts)
	}
	if opts.useServer {
		if ok, err := tryClient(e.cfg, opts); ok {
			return err
		}
		e.log.Info("no build server running, falling back to a one-shot invocation")
	}
	return runOnce(e, opts, os.Stdout, os.Stderr)
}

// runOnce resolves a single PathGlobs→Digest root query, the CLI's one
// concretely wired operation: "what does this file set hash to, and
// what did the engine need to compute that" (§4.8's PathGlobs→Digest
// intrinsic exercised end to end through C5/C6/C7).
func runOnce(e *engine, opts runOptions, stdout, stderr io.Writer) error {
	if len(opts.includes) == 0 {
		return &scheduler.UserError{Err: fmt.Errorf("usage: ember [flags] <include-glob>...")}
	}

	sess := e.sched.NewSession(nil)
	sess.ForceRevalidate = opts.force
	defer sess.Close()
	if opts.dryRun {
		sess.Values["dry_run"] = "true"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sess.Cancel()
	}()

	bar := newProgressBar(stderr, "resolving")
	q := scheduler.Query{
		Output: intrinsics.TypeDigest,
		Root: map[rules.Type]any{
			intrinsics.TypePathGlobs: intrinsics.PathGlobsValue{Globs: snapshot.PathGlobs{
				Include: opts.includes,
				Exclude: opts.exclude,
			}},
		},
	}
	results, err := e.sched.Execute(sess, []scheduler.Query{q})
	bar.Finish()
	if err != nil {
		return err
	}
	res := results[0]
	switch res.Status {
	case scheduler.StatusOK:
		dv := res.Value.(intrinsics.DigestValue)
		fmt.Fprintln(stdout, dv.Digest.String())
	case scheduler.StatusCancelled:
		return context.Canceled
	default:
		return &scheduler.UserError{Err: res.Err}
	}

	if opts.why || opts.showGraph {
		printExplain(e, stderr, res.Query.Root)
	}
	if opts.showState {
		printState(e, stderr)
	}
	return nil
}

// printExplain rebuilds the same NodeKey runOnce's query resolved to
// and prints its recorded dependencies/explain trail — Result only
// carries the user-facing value (§4.7), so the debugging surfaces look
// the node back up by scope rather than threading a key through Result.
func printExplain(e *engine, w io.Writer, scope map[rules.Type]any) {
	key, _, err := e.registry.Build(intrinsics.RulePathGlobsToDigest, scope)
	if err != nil {
		fmt.Fprintf(w, "why: %s\n", err)
		return
	}
	entry, ok := e.sched.Store().Get(key)
	if !ok {
		fmt.Fprintln(w, "why: node not memoised")
		return
	}
	fmt.Fprintf(w, "%s [%s] gen=%d\n", key.Rule, entry.State(), entry.Generation())
	for _, line := range entry.Explain() {
		fmt.Fprintf(w, "  %s\n", line)
	}
	for _, dep := range entry.Dependencies() {
		fmt.Fprintf(w, "  depends on %s\n", dep.Rule)
	}
}

func printState(e *engine, w io.Writer) {
	entries := e.storeDump()
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
	for _, line := range entries {
		fmt.Fprintln(w, line)
	}
}

func newProgressBar(w io.Writer, label string) *progressbar.ProgressBar {
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		return progressbar.DefaultBytes(-1, label)
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.CyanString(label)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

func runAsServer(e *engine, opts runOptions) error {
	fp, err := nailgun.Fingerprint(e.cfg)
	if err != nil {
		return err
	}
	srv := &nailgun.Server{
		SocketPath:  e.cfg.Server.SocketPath,
		PidFilePath: e.cfg.Server.PidFile,
		Fingerprint: fp,
		Handler:     &cliHandler{e: e},
		Log:         e.log,
	}
	ok, err := srv.Acquire()
	if err != nil {
		return err
	}
	if !ok {
		return &scheduler.UserError{Err: fmt.Errorf("a build server already owns %s", e.cfg.Server.PidFile)}
	}
	defer srv.Close()
	if err := srv.Listen(); err != nil {
		return err
	}
	e.log.Info("build server listening", zap.String("socket", e.cfg.Server.SocketPath), zap.String("fingerprint", fp))
	return srv.Serve()
}

// cliHandler adapts one nailgun invocation to runOnce against the
// server's shared, already-compiled engine — the whole point of C9:
// repeated invocations skip config/compile-time cost (§4.9).
type cliHandler struct{ e *engine }

func (h *cliHandler) Handle(ctx context.Context, req *nailgun.InvokeRequest, stdout, stderr io.Writer) (int, error) {
	fs := flag.NewFlagSet("ember", flag.ContinueOnError)
	force := fs.BoolP("force", "B", false, "")
	dryRun := fs.BoolP("dry-run", "n", false, "")
	why := fs.Bool("why", false, "")
	showGraph := fs.Bool("graph", false, "")
	showState := fs.Bool("state", false, "")
	exclude := fs.StringSlice("exclude", nil, "")
	if err := fs.Parse(req.Argv); err != nil {
		return 1, nil
	}

	sess := h.e.sched.NewSession(nil)
	sess.ForceRevalidate = *force
	defer sess.Close()
	if *dryRun {
		sess.Values["dry_run"] = "true"
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Cancel()
		case <-done:
		}
	}()
	defer close(done)

	opts := runOptions{why: *why, showGraph: *showGraph, showState: *showState, exclude: *exclude, includes: fs.Args()}
	err := runOnceWithSession(h.e, sess, opts, stdout, stderr)
	return scheduler.ExitCode(err), nil
}

func runOnceWithSession(e *engine, sess *scheduler.Session, opts runOptions, stdout, stderr io.Writer) error {
	if len(opts.includes) == 0 {
		return &scheduler.UserError{Err: fmt.Errorf("usage: ember [flags] <include-glob>...")}
	}
	q := scheduler.Query{
		Output: intrinsics.TypeDigest,
		Root: map[rules.Type]any{
			intrinsics.TypePathGlobs: intrinsics.PathGlobsValue{Globs: snapshot.PathGlobs{
				Include: opts.includes,
				Exclude: opts.exclude,
			}},
		},
	}
	results, err := e.sched.Execute(sess, []scheduler.Query{q})
	if err != nil {
		return err
	}
	res := results[0]
	switch res.Status {
	case scheduler.StatusOK:
		dv := res.Value.(intrinsics.DigestValue)
		fmt.Fprintln(stdout, dv.Digest.String())
	case scheduler.StatusCancelled:
		return context.Canceled
	default:
		return &scheduler.UserError{Err: res.Err}
	}

	if opts.why || opts.showGraph {
		printExplain(e, stderr, res.Query.Root)
	}
	if opts.showState {
		printState(e, stderr)
	}
	return nil
}

func tryClient(cfg config.Config, opts runOptions) (handled bool, err error) {
	cl := &nailgun.Client{SocketPath: cfg.Server.SocketPath}
	conn, derr := cl.Dial()
	if derr != nil {
		return false, nil
	}
	defer conn.Close()

	argv := append([]string{}, opts.includes...)
	if opts.force {
		argv = append(argv, "-B")
	}
	if opts.dryRun {
		argv = append(argv, "-n")
	}
	if opts.why {
		argv = append(argv, "--why")
	}
	if opts.showGraph {
		argv = append(argv, "--graph")
	}
	if opts.showState {
		argv = append(argv, "--state")
	}
	for _, pat := range opts.exclude {
		argv = append(argv, "--exclude", pat)
	}
	cwd, _ := os.Getwd()
	code, err := cl.Invoke(conn, &nailgun.InvokeRequest{
		Command: "ember",
		Argv:    argv,
		Env:     envMap(),
		Cwd:     cwd,
	}, os.Stdout, os.Stderr)
	if err != nil {
		return true, err
	}
	if code != 0 {
		return true, &scheduler.UserError{Err: fmt.Errorf("build server exited %d", code)}
	}
	return true, nil
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func (e *engine) storeDump() []string {
	dump := e.sched.Store().Dump()
	lines := make([]string, len(dump))
	for i, d := range dump {
		lines[i] = fmt.Sprintf("%s\t%s\tgen=%d", d.Key.Rule, d.State, d.Generation)
	}
	return lines
}
