package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/visitor-chat/internal/config"
	"github.com/ashureev/visitor-chat/internal/rpc"
	"github.com/ashureev/visitor-chat/internal/scheduler"
	"github.com/ashureev/visitor-chat/internal/session"
	"github.com/ashureev/visitor-chat/internal/store"
	"github.com/ashureev/visitor-chat/internal/transport"
	"github.com/ashureev/visitor-chat/internal/transport/wshost"
	"github.com/ashureev/visitor-chat/internal/visitor"
)

// errQuit ends the run without reporting a failure.
var errQuit = errors.New("quit")

type chatOptions struct {
	name        string
	language    string
	skipPreChat bool
}

func newChatCommand(root *rootOptions) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume a chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), root, opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "Visitor", "name shown next to your messages")
	cmd.Flags().StringVar(&opts.language, "language", "", "chat language, e.g. en-US")
	cmd.Flags().BoolVar(&opts.skipPreChat, "skip-prechat", false, "skip the pre-chat form")
	return cmd
}

func newAvailabilityCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "availability",
		Short: "Ask whether operators are available",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAvailability(cmd.Context(), root, cmd.OutOrStdout())
		},
	}
}

// runtime is what every command needs: the client options and the event
// loop they run on.
type runtime struct {
	logger *slog.Logger
	repo   store.Repository
	loop   *scheduler.Loop
	opts   visitor.Options
}

func newRuntime(root *rootOptions) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := slog.LevelInfo
	if !cfg.Logging {
		level = slog.LevelWarn
	}
	if root.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	dbPath := cfg.DBPath
	if root.dbPath != "" {
		dbPath = root.dbPath
	}
	var repo store.Repository
	if dbPath == ":memory:" {
		repo = store.NewMemory()
	} else {
		sqlite, err := store.NewSQLite(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		repo = sqlite
	}

	loop := scheduler.NewLoop(256, logger)
	opts := visitor.OptionsFromConfig(cfg.Visitor)
	if root.authKey != "" {
		opts.AuthKey = root.authKey
	}
	if root.origin != "" {
		opts.Origin = root.origin
		if opts.UploadHost == "" {
			opts.UploadHost = root.origin
		}
	}
	opts.Host = wshost.New(loop, logger)
	opts.Scheduler = loop
	opts.Store = repo
	opts.Logger = logger
	opts.UserAgent = "visitor-cli"

	return &runtime{logger: logger, repo: repo, loop: loop, opts: opts}, nil
}

func (rt *runtime) close() {
	if err := rt.repo.Close(); err != nil {
		rt.logger.Error("Failed to close store", "error", err)
	}
}

func runChat(ctx context.Context, root *rootOptions, opts chatOptions, in io.Reader, out io.Writer) error {
	rt, err := newRuntime(root)
	if err != nil {
		return err
	}
	defer rt.close()

	// The loop outlives ctx so an interrupted chat can still be detached.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := rt.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	view := newTerminalView(out)
	var (
		sess     *session.Session
		setupErr error
	)
	if err := rt.loop.Do(ctx, func() {
		client, err := visitor.New(rt.opts)
		if err != nil {
			setupErr = err
			return
		}
		sess, err = session.New(session.Config{
			Client:      client,
			View:        view,
			Scheduler:   rt.loop,
			Logger:      rt.logger,
			VisitorName: opts.name,
			Chat: visitor.CreateChatRequest{
				Language:    opts.language,
				SkipPreChat: opts.skipPreChat,
			},
		})
		if err != nil {
			client.Shutdown()
			setupErr = err
			return
		}
		sess.StartChat(opts.skipPreChat, opts.language, nil)
	}); err != nil {
		stopLoop()
		_ = eg.Wait()
		return err
	}
	if setupErr != nil {
		stopLoop()
		_ = eg.Wait()
		return fmt.Errorf("start chat: %w", setupErr)
	}

	lines := make(chan string)
	go scanLines(in, lines)

	eg.Go(func() error {
		defer stopLoop()
		defer detach(rt, sess)
		for {
			select {
			case <-ctx.Done():
				rt.logger.Info("Interrupted, chat can be resumed")
				return nil
			case <-view.Done():
				return errQuit
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				rt.loop.Post(func() { view.HandleLine(line) })
			}
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// detach releases the chat before the loop stops. A finished chat is
// destroyed. A live one only shuts its client down, which sends the
// disconnect but keeps the stored chat key for the next run.
func detach(rt *runtime, sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rt.loop.Do(ctx, func() {
		if sess.State() == session.Finished {
			sess.Destroy()
			return
		}
		sess.Client().Shutdown()
	})
	if err != nil {
		rt.logger.Warn("Failed to detach chat", "error", err)
		return
	}
	time.Sleep(transport.RemoveGrace + 100*time.Millisecond)
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func runAvailability(ctx context.Context, root *rootOptions, out io.Writer) error {
	rt, err := newRuntime(root)
	if err != nil {
		return err
	}
	defer rt.close()

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	go func() { _ = rt.loop.Run(runCtx) }()
	defer rt.loop.Stop()

	var (
		client *visitor.Client
		newErr error
	)
	if err := rt.loop.Do(runCtx, func() { client, newErr = visitor.New(rt.opts) }); err != nil {
		return err
	}
	if newErr != nil {
		return fmt.Errorf("create client: %w", newErr)
	}
	defer func() { _ = rt.loop.Do(context.Background(), client.Shutdown) }()

	var pending *rpc.Result
	if err := rt.loop.Do(runCtx, func() { pending = client.GetChatAvailability("") }); err != nil {
		return err
	}
	result, err := pending.Wait(runCtx)
	if err != nil {
		return fmt.Errorf("get chat availability: %w", err)
	}
	_, err = fmt.Fprintln(out, string(result))
	return err
}
