// hubctl drives a hubb remote from the command line: it mirrors part of the
// remote tree, runs commands against it and follows downloads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/hubb/internal/config"
	"github.com/fruitsalade/hubb/internal/hubtest"
	"github.com/fruitsalade/hubb/internal/logging"
	"github.com/fruitsalade/hubb/internal/metrics"
	"github.com/fruitsalade/hubb/pkg/client"
	"github.com/fruitsalade/hubb/pkg/command"
	"github.com/fruitsalade/hubb/pkg/hub"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

const version = "0.1.0"

const usage = `hubb control.

Arguments to exec are parsed as JSON when possible, so objects, arrays and
numbers can be passed verbatim; anything else is sent as a string.

Usage:
    hubctl fetch <target> [options]
    hubctl tree [<target>] [options]
    hubctl exec <verb> <target> [<args>...] [options]
    hubctl download <target> <name> <url> [options]
    hubctl serve [--listen=<addr>] [options]
    hubctl verbs
    hubctl -h | --help
    hubctl --version

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --config=<path>           YAML config file (default $HUBB_CONFIG).
    --server=<url>            Remote base URL (default $HUBB_SERVER).
    --token=<token>           Bearer token (default $HUBB_TOKEN).
    --ask-token               Prompt for the bearer token.
    --demo                    Use an in-memory remote with sample data.
    --metrics-addr=<addr>     Serve Prometheus metrics on this address.
    --listen=<addr>           Address for serve [default: :8080].
    --no-color                Disable coloured output.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if verbs, _ := opts.Bool("verbs"); verbs {
		for _, v := range protocol.Verbs() {
			fmt.Println(v)
		}
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.Named("hubctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	if serve, _ := opts.Bool("serve"); serve {
		listen, _ := opts.String("--listen")
		if err := serveDemo(ctx, listen, log); err != nil {
			log.Fatal("serve failed", logging.Err(err))
		}
		return
	}

	transport, err := newTransport(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	c := hub.New(transport,
		hub.WithLogger(logging.Named("hub")),
		hub.WithPollInterval(cfg.PollInterval))
	defer c.Close()

	noColor, _ := opts.Bool("--no-color")
	out := newPrinter(os.Stdout, noColor)
	out.subscribe(c.Bus())

	if err := run(ctx, opts, c, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		c.Close()
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := opts.String("--config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if s, _ := opts.String("--server"); s != "" {
		cfg.Server = s
	}
	if s, _ := opts.String("--token"); s != "" {
		cfg.Token = s
	}
	if s, _ := opts.String("--metrics-addr"); s != "" {
		cfg.MetricsAddr = s
	}
	if ask, _ := opts.Bool("--ask-token"); ask {
		token, err := readToken()
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	demo, _ := opts.Bool("--demo")
	serve, _ := opts.Bool("serve")
	if demo || serve {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func readToken() (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errors.New("--ask-token needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newTransport(opts docopt.Opts, cfg *config.Config) (client.Transport, error) {
	if demo, _ := opts.Bool("--demo"); demo {
		return demoRemote(), nil
	}
	return client.NewHTTP(client.Config{
		BaseURL: cfg.Server,
		Timeout: cfg.Timeout,
		Retry:   client.DefaultRetryPolicy(cfg.RetryAttempts),
		Token:   cfg.Token,
		Logger:  logging.Named("transport"),
	}), nil
}

func run(ctx context.Context, opts docopt.Opts, c *hub.Client, out *printer) error {
	target, _ := opts.String("<target>")

	switch {
	case isSet(opts, "fetch"):
		if _, err := c.Execute(ctx, "fetch", target); err != nil {
			return err
		}
		return printTree(c, out, target)

	case isSet(opts, "tree"):
		if target == "" {
			target = "/"
		}
		if _, err := c.Execute(ctx, "fetch", target); err != nil {
			return err
		}
		return printTree(c, out, target)

	case isSet(opts, "exec"):
		verb, _ := opts.String("<verb>")
		raw, _ := opts["<args>"].([]string)
		args := make([]any, len(raw))
		for i, s := range raw {
			args[i] = parseArg(s)
		}
		cmd, err := c.Execute(ctx, verb, target, args...)
		if err != nil {
			return err
		}
		if dl, ok := cmd.(*command.Download); ok {
			return follow(ctx, c, out, dl.Destination())
		}
		return nil

	case isSet(opts, "download"):
		name, _ := opts.String("<name>")
		url, _ := opts.String("<url>")
		cmd, err := c.Execute(ctx, "download", target, name, url)
		if err != nil {
			return err
		}
		return follow(ctx, c, out, cmd.(*command.Download).Destination())
	}
	return nil
}

func isSet(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}

// parseArg decodes s as JSON, falling back to the raw string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printTree(c *hub.Client, out *printer, target string) error {
	n := c.Snapshot(tree.Clean(target))
	if n == nil {
		return fmt.Errorf("%s: not in the local tree", target)
	}
	out.tree(n)
	return nil
}

// follow waits for the download at addr, printing progress as it changes.
func follow(ctx context.Context, c *hub.Client, out *printer, addr tree.Address) error {
	t := c.Download(addr)
	if t == nil {
		return fmt.Errorf("%s: no download in flight", addr)
	}
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	var last int64 = -1
	for {
		select {
		case <-t.Done():
			if err := t.Err(); err != nil {
				return err
			}
			fmt.Fprintf(out.out, "%s %s in %s\n", addr, t.State(), time.Since(t.Started).Round(time.Millisecond))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			p := t.Progress()
			if p == nil || p.Done == last {
				continue
			}
			last = p.Done
			if p.Total > 0 {
				fmt.Fprintf(out.out, "%s %d/%d\n", addr, p.Done, p.Total)
			} else {
				fmt.Fprintf(out.out, "%s %d\n", addr, p.Done)
			}
		}
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", logging.Err(err))
	}
}

// serveDemo exposes an in-memory remote over HTTP until ctx is done.
func serveDemo(ctx context.Context, addr string, log *zap.Logger) error {
	remote := demoRemote()
	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			remote.ServeHTTP(w, r)
			log.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				logging.Duration("duration", time.Since(start)))
		}),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("demo remote listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func demoRemote() *hubtest.Remote {
	r := hubtest.New()
	r.Seed("/docs/readme", tree.NewScalar("file-text", "welcome to hubb"))
	r.Seed("/docs/notes", tree.NewHash("directory"))
	playlist := tree.NewArray("playlist")
	for _, track := range []string{"intro", "theme", "outro"} {
		playlist.Append(track, tree.NewScalar("file-audio", track+".ogg"))
	}
	r.Seed("/media/playlist", playlist)
	r.SetDownloadSteps(3)
	return r
}
