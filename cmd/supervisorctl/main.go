// Command supervisorctl manages and invokes deployments on a supervisor node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/wasm-supervisor/api"
	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func main() {
	var (
		addr        = flag.String("addr", envOr("SUPERVISOR_ADDR", "http://localhost:5000"), "Supervisor base URL")
		timeout     = flag.Duration("timeout", time.Minute, "Request timeout")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Usage = usage
	flag.Parse()

	client := api.NewClient(*addr, &http.Client{Timeout: *timeout})
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	if *interactive {
		if !tty {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(client, *addr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	if err := dispatch(context.Background(), client, os.Stdout, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: supervisorctl [-addr url] deploy [-wait] <manifest.yaml|json>")
	fmt.Fprintln(os.Stderr, "       supervisorctl [-addr url] remove <deployment-id>")
	fmt.Fprintln(os.Stderr, "       supervisorctl [-addr url] list")
	fmt.Fprintln(os.Stderr, "       supervisorctl [-addr url] invoke [-file mount=path] <endpoint-path> [json-arg ...]")
	fmt.Fprintln(os.Stderr, "       supervisorctl [-addr url] history [request-id]")
	fmt.Fprintln(os.Stderr, "       supervisorctl [-addr url] -i  (interactive mode)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type fileFlag map[string]string

func (f fileFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f fileFlag) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected mount=path, got %q", v)
	}
	f[name] = path
	return nil
}

// errFailed reports an invocation that ran but failed; its result is printed.
var errFailed = errors.New("invocation failed")

func dispatch(ctx context.Context, c *api.Client, w io.Writer, cmd string, args []string) error {
	switch cmd {
	case "deploy":
		fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
		wait := fs.Bool("wait", false, "Wait until the deployment is prepared")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("deploy takes one manifest file")
		}
		m, err := registry.LoadManifest(fs.Arg(0))
		if err != nil {
			return err
		}
		resp, err := c.Deploy(ctx, m, *wait)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s (%s)\n", okStyle.Render("deployed"), resp.DeploymentID, resp.Status)
		for _, p := range resp.Endpoints {
			fmt.Fprintf(w, "  %s\n", p)
		}
		return nil

	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("remove takes one deployment id")
		}
		if err := c.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s\n", args[0])
		return nil

	case "list":
		deps, err := c.List(ctx)
		if err != nil {
			return err
		}
		return printDeployments(w, deps)

	case "invoke":
		files := fileFlag{}
		fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
		fs.Var(files, "file", "Execution-stage file as mount=path (repeatable)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return fmt.Errorf("invoke takes an endpoint path")
		}
		return invoke(ctx, c, w, fs.Arg(0), fs.Args()[1:], files)

	case "history":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		entries, err := c.History(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(w, entries)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func invoke(ctx context.Context, c *api.Client, w io.Writer, path string, rawArgs []string, filePaths map[string]string) error {
	args := make([]json.RawMessage, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = jsonArg(a)
	}
	files := make(map[string][]byte, len(filePaths))
	for name, p := range filePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		files[name] = data
	}

	res, err := c.Invoke(ctx, path, args, files)
	if err != nil {
		return err
	}
	if err := printJSON(w, res); err != nil {
		return err
	}
	if !res.Success {
		return errFailed
	}
	return nil
}

// jsonArg passes valid JSON through and quotes anything else as a string,
// so `invoke /greet alice` works without shell-escaped quotes.
func jsonArg(a string) json.RawMessage {
	if json.Valid([]byte(a)) {
		return json.RawMessage(a)
	}
	quoted, _ := json.Marshal(a)
	return quoted
}

func printDeployments(w io.Writer, deps []registry.Deployment) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("DEPLOYMENT")+"\t"+headerStyle.Render("STATUS")+"\t"+headerStyle.Render("ENDPOINTS")+"\t"+headerStyle.Render("CREATED"))
	for _, d := range deps {
		status := string(d.Status)
		switch d.Status {
		case registry.StatusActive:
			status = okStyle.Render(status)
		case registry.StatusFailed:
			status = failStyle.Render(status)
		}
		paths := make([]string, len(d.Endpoints))
		for i, ep := range d.Endpoints {
			paths[i] = ep.Path
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, status, strings.Join(paths, ","), d.CreatedAt.Format(time.RFC3339))
		if d.Error != "" {
			fmt.Fprintf(tw, "\t%s\t\t\n", failStyle.Render(d.Error))
		}
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeFailure renders a failure for humans.
func describeFailure(f *chain.Failure) string {
	if f == nil {
		return "failed"
	}
	return f.Error()
}
