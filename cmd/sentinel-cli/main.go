package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mblsha/sentinel/internal/client"
	"github.com/mblsha/sentinel/internal/discovery"
	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/supervisor"
	"github.com/mblsha/sentinel/internal/tui"
)

var discoverFn = discovery.Discover

func main() {
	cmd, args, err := parseCommand(os.Args[1:])
	if err != nil {
		usage()
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "status":
		err = runStatus(ctx, args, os.Stdout)
	case "rebuild":
		err = runRebuild(ctx, args, os.Stdout)
	case "events":
		err = runEvents(ctx, args, os.Stdout)
	case "tui":
		err = runTUI(ctx, args)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func parseCommand(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "status", nil, nil
	}
	switch cmd := strings.TrimSpace(args[0]); cmd {
	case "status", "rebuild", "events", "tui":
		return cmd, args[1:], nil
	default:
		return "", nil, fmt.Errorf("unknown command %q", args[0])
	}
}

type connFlags struct {
	server          *string
	discover        *bool
	discoverTimeout *time.Duration
	discoverService *string
	discoverDomain  *string
	workspace       *string
	token           *string
	authHeader      *string
}

func addConnFlags(fs *flag.FlagSet) *connFlags {
	return &connFlags{
		server:          fs.String("server", defaultString(os.Getenv("SENTINEL_SERVER"), ""), "sentinel server base url (if empty, auto-discover)"),
		discover:        fs.Bool("discover", true, "auto-discover server when --server is not provided"),
		discoverTimeout: fs.Duration("discover-timeout", 2*time.Second, "mDNS auto-discovery timeout"),
		discoverService: fs.String("discover-service", discovery.DefaultService, "mDNS service name used for discovery"),
		discoverDomain:  fs.String("discover-domain", discovery.DefaultDomain, "mDNS discovery domain"),
		workspace:       fs.String("workspace", "", "only discover servers supervising this workspace root"),
		token:           fs.String("token", strings.TrimSpace(os.Getenv("SENTINEL_TOKEN")), "auth token"),
		authHeader:      fs.String("auth-header", defaultString(os.Getenv("SENTINEL_AUTH_HEADER"), "X-Sentinel-Token"), "auth header"),
	}
}

func (f *connFlags) client() (*client.HTTPClient, error) {
	serverURL, err := resolveServerURL(*f.server, *f.discover, *f.discoverTimeout, discovery.Query{
		Service:   *f.discoverService,
		Domain:    *f.discoverDomain,
		Workspace: strings.TrimSpace(*f.workspace),
	})
	if err != nil {
		return nil, err
	}
	return &client.HTTPClient{
		BaseURL:    serverURL,
		Token:      strings.TrimSpace(*f.token),
		AuthHeader: strings.TrimSpace(*f.authHeader),
	}, nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sentinel-cli status", flag.ContinueOnError)
	fs.Usage = usage
	conn := addConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	items, err := c.ListProjects(ctx)
	if err != nil {
		return err
	}
	printStatus(out, items)
	return nil
}

func printStatus(out io.Writer, items []supervisor.ProjectStatus) {
	if len(items) == 0 {
		fmt.Fprintln(out, "no functions are being watched")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tWATCHING\tSTATE\tJOB\tPROJECT")
	for _, st := range items {
		state, jobID := "-", "-"
		if st.LastJob != nil {
			state = string(st.LastJob.State)
			jobID = st.LastJob.ID
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", defaultString(st.Name, filepath.Base(st.Project)), st.Watching, state, jobID, st.Project)
	}
	_ = tw.Flush()
}

func runRebuild(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sentinel-cli rebuild", flag.ContinueOnError)
	fs.Usage = usage
	conn := addConnFlags(fs)
	wait := fs.Bool("wait", false, "stream events until the build succeeds or fails")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up waiting after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exactly one function directory is required")
	}
	project, err := projectArg(fs.Arg(0))
	if err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}

	if !*wait {
		dir, err := c.Rebuild(ctx, project)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rebuild queued: %s\n", dir)
		return nil
	}

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	final, err := c.RebuildAndWait(ctx, project, func(ev job.Event) {
		if !ev.Terminal() || ev.State == job.StateAborted {
			fmt.Fprintln(out, formatEvent(ev))
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatEvent(final))
	if final.State != job.StateSucceeded {
		return fmt.Errorf("build failed: %s", defaultString(final.Error, final.Message))
	}
	return nil
}

func runEvents(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sentinel-cli events", flag.ContinueOnError)
	fs.Usage = usage
	conn := addConnFlags(fs)
	since := fs.Int64("since", 0, "replay retained events after this sequence number")
	live := fs.Bool("live", false, "skip retained events")
	project := fs.String("project", "", "only show events for this function directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter := ""
	if strings.TrimSpace(*project) != "" {
		p, err := projectArg(*project)
		if err != nil {
			return err
		}
		filter = p
	}
	from := *since
	if *live {
		from = client.LiveOnly
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	err = c.StreamEvents(ctx, from, filter, func(ev job.Event) bool {
		fmt.Fprintln(out, formatEvent(ev))
		return true
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runTUI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sentinel-cli tui", flag.ContinueOnError)
	fs.Usage = usage
	conn := addConnFlags(fs)
	refresh := fs.Duration("refresh", 1500*time.Millisecond, "function list refresh interval")
	rebuildTimeout := fs.Duration("rebuild-timeout", 10*time.Second, "timeout for queueing a rebuild")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	return tui.Run(ctx, tui.Options{
		Client:          c,
		ServerURL:       c.BaseURL,
		RefreshInterval: *refresh,
		RebuildTimeout:  *rebuildTimeout,
	})
}

func formatEvent(ev job.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "seq=%d project=%s job=%s state=%s", ev.Seq, ev.Project, ev.JobID, ev.State)
	if ev.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", ev.Stage)
	}
	if ev.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *ev.ExitCode)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " message=%q", ev.Message)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	return b.String()
}

// projectArg makes explicitly relative paths absolute. Bare names are left
// for the server to resolve against its workspace root.
func projectArg(arg string) (string, error) {
	trimmed := strings.TrimSpace(arg)
	if trimmed == "" {
		return "", errors.New("function directory is required")
	}
	if trimmed == "." || trimmed == ".." || strings.HasPrefix(trimmed, "./") || strings.HasPrefix(trimmed, "../") {
		return filepath.Abs(trimmed)
	}
	return trimmed, nil
}

func usage() {
	_, _ = os.Stderr.WriteString("sentinel-cli usage:\n")
	_, _ = os.Stderr.WriteString("  sentinel-cli status [--server http://host:3500]\n")
	_, _ = os.Stderr.WriteString("  sentinel-cli rebuild [--wait] <function-dir>\n")
	_, _ = os.Stderr.WriteString("  sentinel-cli events [--since N | --live] [--project <function-dir>]\n")
	_, _ = os.Stderr.WriteString("  sentinel-cli tui\n")
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}

func resolveServerURL(explicit string, discover bool, timeout time.Duration, q discovery.Query) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return explicit, nil
	}
	if !discover {
		return "", errors.New("server is required when discovery is disabled; pass --server")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	endpoint, err := discoverFn(ctx, q)
	if err != nil {
		return "", fmt.Errorf("discover server via mDNS: %w", err)
	}
	fmt.Fprintf(os.Stderr, "discovered server: %s (instance=%s workspace=%s)\n", endpoint.URL, endpoint.Instance, endpoint.Workspace)
	return endpoint.URL, nil
}
