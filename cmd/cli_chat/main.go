package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragchat/internal/app"
	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/service"
)

type options struct {
	userID  string
	bot     string
	channel string
	storage string
	rag     bool
	stream  bool
	verbose bool
}

func main() {
	_ = godotenv.Load()

	opts := &options{}
	root := &cobra.Command{
		Use:          "cli_chat",
		Short:        "Chat with a configured bot from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return chatLoop(ctx, a, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	root.PersistentFlags().StringVar(&opts.userID, "user", "cli-user", "user id")
	root.PersistentFlags().StringVar(&opts.storage, "storage", "", "storage driver override (memory, postgres, mysql)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	root.Flags().StringVar(&opts.bot, "bot", "echo", "bot name")
	root.Flags().StringVar(&opts.channel, "channel", "web", "channel")
	root.Flags().BoolVar(&opts.rag, "rag", false, "enable retrieval for the session")
	root.Flags().BoolVar(&opts.stream, "stream", false, "stream replies")

	root.AddCommand(botsCmd(opts), ingestCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func botsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bots",
		Short: "List configured bots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(_ context.Context, a *app.App) error {
				for _, b := range a.Bots.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s %s\n", b.Family, b.Name, b.Desc)
				}
				return nil
			})
		},
	}
}

func ingestCmd(opts *options) *cobra.Command {
	var title, url string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a text document to the user's retrieval corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if title == "" {
				title = args[0]
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if err := requirePersistentStorage(a.Config.StorageDriver); err != nil {
					return err
				}
				if a.Embedder == nil {
					return errors.New("OPENAI_API_KEY is required to embed documents")
				}
				doc, n, err := a.Corpus.Ingest(ctx, opts.userID, title, url, string(raw))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored document %s with %d chunks\n", doc.ID, n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (defaults to the file name)")
	cmd.Flags().StringVar(&url, "url", "", "document url")
	return cmd
}

// requirePersistentStorage evita ingerir en el store en memoria, que se pierde al salir.
func requirePersistentStorage(driver string) error {
	if driver == "" || driver == config.StorageMemory {
		return fmt.Errorf("ingest needs a persistent storage driver, got %q: use --storage postgres or --storage mysql", config.StorageMemory)
	}
	return nil
}

func withApp(ctx context.Context, opts *options, fn func(context.Context, *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if opts.storage != "" {
		cfg.StorageDriver = opts.storage
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := zap.NewNop()
	if opts.verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func chatLoop(ctx context.Context, a *app.App, opts *options, in io.Reader, out io.Writer) error {
	session, err := a.Sessions.CreateSession(ctx, opts.userID, opts.bot, opts.channel)
	if err != nil {
		return err
	}
	session, err = a.Sessions.UpdateFlags(ctx, opts.userID, session.ID,
		service.FlagUpdate{RagEnabled: &opts.rag, StreamEnabled: &opts.stream}, "cli-init")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s with %s (rag=%v stream=%v). Commands: /rag on|off, /stream on|off, /history, /quit\n",
		session.ID, session.BotName, session.RagEnabled, session.StreamEnabled)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := runCommand(ctx, a, opts, session.ID, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		if err := send(ctx, a, opts, session.ID, line, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func runCommand(ctx context.Context, a *app.App, opts *options, sessionID, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/history":
		msgs, err := a.Chat.History(ctx, opts.userID, sessionID)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s %s] %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
		}
		return false, nil
	case "/rag", "/stream":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: %s on|off", fields[0])
		}
		on := fields[1] == "on"
		update := service.FlagUpdate{RagEnabled: &on}
		if fields[0] == "/stream" {
			update = service.FlagUpdate{StreamEnabled: &on}
		}
		s, err := a.Sessions.UpdateFlags(ctx, opts.userID, sessionID, update, "")
		if err != nil {
			return false, err
		}
		if fields[0] == "/rag" {
			note := "RAG disabled"
			if on {
				note = "RAG enabled"
			}
			if _, err := a.Sessions.AddSystemNote(ctx, opts.userID, sessionID, note); err != nil {
				return false, err
			}
		}
		fmt.Fprintf(out, "rag=%v stream=%v\n", s.RagEnabled, s.StreamEnabled)
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

func send(ctx context.Context, a *app.App, opts *options, sessionID, content string, out io.Writer) error {
	res, err := a.Chat.Chat(ctx, service.ChatRequest{UserID: opts.userID, SessionID: sessionID, Content: content})
	if err != nil {
		return err
	}
	if res.Reply != nil {
		fmt.Fprintln(out, res.Reply.Reply)
		printSources(out, res.Reply.Sources)
		return nil
	}

	stream := res.Stream
	defer stream.Close()
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		if _, rest, ok, _ := service.ParseSourcesFrame(chunk); ok {
			chunk = rest
		}
		fmt.Fprint(out, chunk)
	}
	fmt.Fprintln(out)
	printSources(out, stream.Sources())
	return nil
}

func printSources(out io.Writer, sources []domain.RagSource) {
	for i, s := range sources {
		fmt.Fprintf(out, "  [%d] %s (%.4f) %s\n", i+1, s.Title, s.Score, s.URL)
	}
}
