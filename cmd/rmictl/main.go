package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/buildrmi/internal/config"
	"github.com/danmuck/buildrmi/internal/daemon"
	"github.com/danmuck/buildrmi/internal/delta"
	"github.com/danmuck/buildrmi/internal/observability"
	"github.com/danmuck/buildrmi/internal/protocol/session"
	"github.com/danmuck/buildrmi/internal/rmi"
	"github.com/rs/zerolog/log"
)

const usage = `usage: rmictl [flags] <command> [args]

commands:
  info                              daemon environment
  tasks                             tasks with recorded deltas
  put <task> <type> <path> [tag]    record one file delta for task
  deltas <task>                     list the deltas of task
  cat <path>                        print a file under the daemon root
  watch                             print daemon output until interrupted
`

var errUsage = errors.New("rmictl: bad usage")

func main() {
	configPath := flag.String("config", "", "path to rmictl config.toml")
	addr := flag.String("addr", "", "daemon address, overrides daemon_addr")
	stats := flag.Bool("stats", false, "dump call statistics on exit")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	observability.InitLoggerTo(os.Stderr, "rmictl")

	cfg := config.ClientConfig{Name: "rmictl", DaemonAddr: "127.0.0.1:7450", ConnectAttempts: 5}
	if *configPath != "" {
		loaded, err := config.LoadClientConfig(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.DaemonAddr = *addr
	}
	if *stats {
		cfg.Statistics = true
	}
	sess, err := config.ClientSession(cfg)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := connect(ctx, cfg, sess)
	if err != nil {
		fail(err)
	}
	runErr := run(ctx, c, flag.Args(), os.Stdout)
	if st := c.Statistics(); st != nil {
		_ = st.DumpSummary(os.Stderr, 0)
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Msg("close")
	}
	if runErr != nil {
		if errors.Is(runErr, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fail(runErr)
	}
}

// connect dials the daemon, retrying with backoff, and runs the handshake.
func connect(ctx context.Context, cfg config.ClientConfig, sess session.Config) (*rmi.Conn, error) {
	reg, err := daemon.NewRegistry()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var d net.Dialer
	conn, err := session.Redial(ctx, sess, cfg.ConnectAttempts, rng,
		func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", cfg.DaemonAddr)
		},
		func(attempt int, delay time.Duration, err error) {
			log.Warn().Str("addr", cfg.DaemonAddr).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("dial_failed")
		})
	if err != nil {
		return nil, fmt.Errorf("rmictl: dial %s: %w", cfg.DaemonAddr, err)
	}
	return rmi.Handshake(ctx, conn, reg, rmi.WithConfig(sess), rmi.WithName(cfg.Name))
}

func run(ctx context.Context, c *rmi.Conn, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "info":
		env, err := daemon.RemoteEnvironment(ctx, c)
		if err != nil {
			return err
		}
		info, err := env.Info(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "name\t%s\nplatform\t%s/%s\npid\t%d\nroot\t%s\nstarted\t%s\n",
			info.Name, info.OS, info.Arch, info.PID, info.Root, info.Started().Format(time.RFC3339))
		for k, v := range info.Properties {
			fmt.Fprintf(out, "env\t%s=%s\n", k, v)
		}
		return nil
	case "tasks":
		dx, err := daemon.RemoteDeltas(ctx, c)
		if err != nil {
			return err
		}
		tasks, err := dx.Tasks(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.Join(tasks, "\n"))
		return nil
	case "put":
		if len(args) < 4 {
			return errUsage
		}
		t, err := parseType(args[2])
		if err != nil {
			return err
		}
		fc := delta.FileChange{Type: t, Path: args[3]}
		if len(args) > 4 {
			fc.Tag = args[4]
		}
		if _, err := os.Stat(args[3]); err == nil {
			fc.File = delta.NewOSFile(args[3])
		}
		dx, err := daemon.RemoteDeltas(ctx, c)
		if err != nil {
			return err
		}
		return dx.Put(ctx, args[1], delta.NewSet(fc))
	case "deltas":
		if len(args) < 2 {
			return errUsage
		}
		dx, err := daemon.RemoteDeltas(ctx, c)
		if err != nil {
			return err
		}
		set, err := dx.Deltas(ctx, args[1])
		if err != nil {
			return err
		}
		for _, d := range set.All() {
			k := d.Key()
			subject := k.Path
			if k.Property != nil {
				subject = fmt.Sprint(k.Property)
			}
			fmt.Fprintf(out, "%s\t%s\n", d.DeltaType(), subject)
		}
		return nil
	case "cat":
		if len(args) < 2 {
			return errUsage
		}
		dx, err := daemon.RemoteDeltas(ctx, c)
		if err != nil {
			return err
		}
		f, err := dx.Open(ctx, args[1])
		if err != nil {
			return err
		}
		data, err := f.Content(ctx)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "watch":
		output, err := daemon.RemoteOutput(ctx, c)
		if err != nil {
			return err
		}
		reg, err := output.AddSink(ctx, &writerSink{w: out})
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-c.Done():
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Close(closeCtx)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parseType(raw string) (delta.Type, error) {
	for t := delta.InputFileChange; t <= delta.OutputLoadFailed; t++ {
		if t.IsFile() && t.String() == raw {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q is not a file delta type", errUsage, raw)
}

type writerSink struct {
	w io.Writer
}

func (s *writerSink) WriteLine(_ context.Context, line string) error {
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "rmictl: %v\n", err)
	os.Exit(1)
}
