package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ritzau/lineage-index/pkg/config"
	"github.com/ritzau/lineage-index/pkg/gateway"
	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/manifest"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/output"
	"github.com/ritzau/lineage-index/pkg/protocol"
	"github.com/ritzau/lineage-index/pkg/pubsub"
	"github.com/ritzau/lineage-index/pkg/query"
	"github.com/ritzau/lineage-index/pkg/resolver"
	"github.com/ritzau/lineage-index/pkg/session"
	"github.com/ritzau/lineage-index/pkg/store"
	"github.com/ritzau/lineage-index/pkg/watcher"
	"github.com/ritzau/lineage-index/pkg/web"
)

func main() {
	flags := pflag.NewFlagSet("lineage-index", pflag.ExitOnError)
	flags.StringP("workspace", "w", ".", "Directory searched for dbt projects")
	flags.Bool("web", false, "Serve the query gateway over HTTP")
	flags.String("host", "127.0.0.1", "Interface for the web server (only used with --web)")
	flags.Int("port", 8080, "Port for the web server (only used with --web)")
	flags.Bool("watch", false, "Reload manifests when dbt rewrites them")
	flags.Bool("open", true, "Open files requested by clients with the system opener")
	flags.StringP("file", "f", "", "Resolve the table defined by this file")
	flags.StringP("table", "t", "", "Node key to list connected tables for")
	flags.StringP("direction", "d", "both", "Direction to list: up, down or both")
	flags.String("collation", "en", "Language tag used to order table labels")
	flags.String("kind", resolver.DefaultKind, "Node kind that files resolve to")
	flags.String("verbosity", "", "Log level: trace, debug, info, warn or error")
	flags.CountP("verbose", "v", "Increase log verbosity (repeatable)")
	flags.Bool("log-json", false, "Log as JSON")
	flags.Duration("quiet-period", 0, "Wait this long after the last change before reloading")
	flags.Duration("max-wait", 0, "Reload at most this long after the first change")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logging.Setup(logging.Options{
		Level: logging.LevelFromVerbosity(cfg.Verbosity, cfg.VerboseCnt),
		JSON:  cfg.LogJSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("lineage index failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	projects, err := manifest.DiscoverProjects(workspace)
	if err != nil {
		return err
	}

	st := store.New()
	reloader := watcher.NewReloader(st, projects)
	loaded := reloader.LoadAll()
	logging.Info("loaded projects", "loaded", loaded, "discovered", len(projects))

	tag, err := cfg.CollationTag()
	if err != nil {
		return err
	}
	engine := query.NewEngine(tag)

	publisher := web.NewPublisher()
	defer publisher.Close()

	sess := session.New(st,
		session.WithResolver(resolver.New(resolver.WithKind(cfg.Kind))),
		session.WithEngine(engine),
		session.WithPublisher(publisher),
	)
	defer sess.Close()

	if !cfg.WebMode && !cfg.Watch {
		return printReport(os.Stdout, cfg, workspace, projects, sess)
	}

	if cfg.File != "" {
		sess.Focus(cfg.File)
	}

	if cfg.Watch {
		mw, err := watcher.NewManifestWatcher(reloader, projects, cfg.QuietPeriod, cfg.MaxWait)
		if err != nil {
			return err
		}
		go func() {
			if err := mw.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("manifest watcher stopped", "error", err)
			}
		}()
	}

	if cfg.WebMode {
		opts := []gateway.Option{gateway.WithEngine(engine)}
		if cfg.Open {
			opts = append(opts, gateway.WithOpenFile(openFile))
		}
		server := web.NewServer(sess, gateway.New(sess, opts...), publisher)
		return server.Start(ctx, cfg.Host, cfg.Port)
	}

	return followRender(ctx, os.Stdout, publisher)
}

// printReport prints the one-shot lineage report
func printReport(w io.Writer, cfg *config.Config, workspace string, projects []manifest.Project, sess *session.Session) error {
	directions, err := cfg.Directions()
	if err != nil {
		return err
	}
	st := sess.Store()

	output.PrintHeader(w, workspace)

	summaries := make([]output.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		summary := output.ProjectSummary{ID: p.ID}
		if snap, ok := st.Get(p.ID); ok {
			summary.Loaded = true
			summary.Tables = snap.NodeCount()
			summary.Edges = snap.EdgeCount()
		}
		summaries = append(summaries, summary)
	}
	output.PrintProjects(w, summaries)

	key := model.NodeKey(cfg.Table)
	var snap *model.Snapshot

	if cfg.File != "" {
		args := sess.Focus(cfg.File)
		output.PrintCurrentNode(w, cfg.File, args.Node)
		if args.Node != nil && key == "" {
			key = args.Node.Table
		}
		snap, _ = sess.Snapshot()
	}

	if key == "" {
		return nil
	}
	if snap == nil || !hasNode(snap, key) {
		snap = findSnapshot(st, key)
	}

	for _, d := range directions {
		output.PrintTables(w, d, key, sess.Engine().Connected(snap, d, key))
	}
	return nil
}

// findSnapshot returns the first loaded project that knows key
func findSnapshot(st *store.Store, key model.NodeKey) *model.Snapshot {
	for _, id := range st.Projects() {
		if snap, ok := st.Get(id); ok && hasNode(snap, key) {
			return snap
		}
	}
	return nil
}

func hasNode(snap *model.Snapshot, key model.NodeKey) bool {
	return snap.DependsOn().Has(key) || snap.DependedOnBy().Has(key)
}

// followRender prints the current node every time it changes
func followRender(ctx context.Context, w io.Writer, publisher pubsub.Publisher) error {
	sub, err := publisher.Subscribe(ctx, pubsub.TopicRender)
	if err != nil {
		return err
	}
	defer sub.Close()

	for event := range sub.Events() {
		var args protocol.RenderArgs
		if err := json.Unmarshal(event.Data, &args); err != nil {
			logging.Warn("failed to decode render event", "error", err)
			continue
		}
		if args.Node == nil {
			fmt.Fprintln(w, "(no current table)")
			continue
		}
		output.PrintCurrentNode(w, args.Node.URL, args.Node)
	}
	return nil
}

func openFile(ctx context.Context, path string) {
	cmd := openerCommand(runtime.GOOS, path)
	if cmd == nil {
		logging.WarnContext(ctx, "cannot open files on platform", "platform", runtime.GOOS)
		return
	}

	done, err := startDetached(cmd)
	if err != nil {
		logging.WarnContext(ctx, "failed to open file", "path", path, "error", err)
		return
	}
	logging.InfoContext(ctx, "opened file", "path", path)

	go func() {
		if err := <-done; err != nil {
			logging.Warn("file opener exited with error", "path", path, "error", err)
		}
	}()
}

// openerCommand returns the system opener for goos, or nil when there is none
func openerCommand(goos, path string) *exec.Cmd {
	switch goos {
	case "darwin":
		return exec.Command("open", path)
	case "linux":
		return exec.Command("xdg-open", path)
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path)
	default:
		return nil
	}
}

// startDetached starts cmd and reaps it in the background. The returned
// channel receives the result of Wait.
func startDetached(cmd *exec.Cmd) (<-chan error, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return done, nil
}
