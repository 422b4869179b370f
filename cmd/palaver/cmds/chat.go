package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-go-golems/palaver/pkg/chat"
	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/engine/factory"
	"github.com/go-go-golems/palaver/pkg/prompts"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const chatTopic = "chat"

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Press Ctrl-C while the assistant is answering to stop the answer, and use
/continue to resume it. Ctrl-C at the prompt exits. Type /help for the list
of commands.`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}

	cmd.Flags().Int64("session", 0, "Resume an existing session")
	cmd.Flags().String("title", "", "Title of the new session")
	cmd.Flags().String("system", "", "System prompt sent ahead of every turn")
	cmd.Flags().Bool("print-events", false, "Print raw generation events to stderr")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ss, err := LoadStepSettings()
	if err != nil {
		return err
	}

	e, err := factory.NewEngineFromStepSettings(ss)
	if err != nil {
		return err
	}

	st, err := openStore(ss)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close session database")
		}
	}()

	pm, err := loadPromptManager()
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	router.AddHandler("chat", chatTopic, events.StepPrinterFunc("", cmd.OutOrStdout()))
	printEvents, _ := cmd.Flags().GetBool("print-events")
	if printEvents {
		router.AddHandler("raw-events", chatTopic, router.DumpRawEvents(cmd.ErrOrStderr()))
	}

	system, _ := cmd.Flags().GetString("system")
	controller := chat.NewController(e,
		chat.WithStore(st),
		chat.WithPersistence(ss.Storage.Persist),
		chat.WithGenerationOptions(ss.GenerationOptions()),
		chat.WithSystemPrompt(system),
		chat.WithSink(router.Sink(chatTopic)),
		chat.WithCompletionHandler(func(r chat.TurnResult) {
			if r.PersistErr != nil {
				log.Warn().Err(r.PersistErr).Int64("session_id", r.SessionID).Msg("could not save turn")
			}
		}),
	)

	sessionID, _ := cmd.Flags().GetInt64("session")
	if sessionID != 0 {
		if err := controller.SwitchSession(ctx, sessionID); err != nil {
			return err
		}
	} else {
		title, _ := cmd.Flags().GetString("title")
		if _, err := controller.NewSession(ctx, title); err != nil {
			return err
		}
	}

	r := newRepl(controller, pm, cmd.OutOrStdout(), cmd.ErrOrStderr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if controller.StopGeneration() {
					continue
				}
				cancel()
				return
			}
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return r.run(egCtx, readLines(egCtx, cmd.InOrStdin()))
	})

	return eg.Wait()
}

// readLines forwards lines of r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case c <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

type repl struct {
	controller *chat.Controller
	prompts    *prompts.Manager
	out        io.Writer
	errOut     io.Writer
}

func newRepl(controller *chat.Controller, pm *prompts.Manager, out io.Writer, errOut io.Writer) *repl {
	return &repl{
		controller: controller,
		prompts:    pm,
		out:        out,
		errOut:     errOut,
	}
}

func (r *repl) run(ctx context.Context, lines <-chan string) error {
	r.printSessionHeader()

	for {
		fmt.Fprint(r.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			r.controller.StopGeneration()
			r.controller.Wait()
			fmt.Fprintln(r.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.handleCommand(ctx, line)
			if err != nil {
				r.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}

		r.submit(ctx, line)
	}
}

func (r *repl) submit(ctx context.Context, text string) {
	if err := r.controller.SubmitUserMessage(ctx, text); err != nil {
		r.printError(err)
		return
	}
	r.controller.Wait()
}

func (r *repl) printError(err error) {
	// backend failures are already reported through the event printer
	if errors.Is(err, engine.ErrBackendUnavailable) {
		return
	}
	fmt.Fprintf(r.errOut, "error: %v\n", err)
}

func (r *repl) printSessionHeader() {
	id := r.controller.CurrentSessionID()
	if id == 0 {
		fmt.Fprintf(r.out, "palaver (%s, not saving). Type /help for commands.\n", r.controller.EngineName())
		return
	}
	n := len(r.controller.Messages())
	fmt.Fprintf(r.out, "palaver session %d (%s), %d messages. Type /help for commands.\n",
		id, r.controller.EngineName(), n)
	if r.controller.Interrupted() {
		fmt.Fprintln(r.out, "The last answer was interrupted, use /continue to resume it.")
	}
}

const replHelp = `Commands:
  /continue                 resume an interrupted answer
  /new [title]              start a new session
  /switch ID                switch to a saved session
  /sessions [N]             list the N most recent sessions
  /search QUERY             search session titles and messages
  /rename TITLE             rename the current session
  /delete ID                delete a session
  /history                  print the current conversation
  /export json|md [ID]      print a session export
  /prompts [CATEGORY]       list prompt templates
  /prompt NAME [k=v ...]    render a template and send it
  /quit                     exit
`

// handleCommand runs a slash command. It returns true when the repl should
// exit.
func (r *repl) handleCommand(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, name))

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprint(r.out, replHelp)

	case "/continue":
		if err := r.controller.ContinueGeneration(ctx); err != nil {
			return false, err
		}
		r.controller.Wait()

	case "/new":
		session, err := r.controller.NewSession(ctx, rest)
		if err != nil {
			return false, err
		}
		if session != nil {
			fmt.Fprintf(r.out, "Started session %d: %s\n", session.ID, session.Title)
		}

	case "/switch":
		id, err := parseSessionID(args)
		if err != nil {
			return false, err
		}
		if err := r.controller.SwitchSession(ctx, id); err != nil {
			return false, err
		}
		r.printSessionHeader()

	case "/sessions":
		limit := 10
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return false, errors.Errorf("invalid count %q", args[0])
			}
			limit = n
		}
		sessions, err := r.controller.ListSessions(ctx, limit, 0)
		if err != nil {
			return false, err
		}
		return false, printSessions(r.out, sessions)

	case "/search":
		if rest == "" {
			return false, errors.New("usage: /search QUERY")
		}
		sessions, err := r.controller.SearchSessions(ctx, rest, 20)
		if err != nil {
			return false, err
		}
		return false, printSessions(r.out, sessions)

	case "/rename":
		id := r.controller.CurrentSessionID()
		if id == 0 {
			return false, errors.New("no current session")
		}
		ok, err := r.controller.RenameSession(ctx, id, rest)
		if err != nil {
			return false, err
		}
		if ok {
			fmt.Fprintf(r.out, "Renamed session %d\n", id)
		}

	case "/delete":
		id, err := parseSessionID(args)
		if err != nil {
			return false, err
		}
		ok, err := r.controller.DeleteSession(ctx, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.Errorf("session %d not found", id)
		}
		fmt.Fprintf(r.out, "Deleted session %d\n", id)

	case "/history":
		for _, m := range r.controller.Messages() {
			fmt.Fprintln(r.out, m.View())
		}

	case "/export":
		return false, r.export(ctx, args)

	case "/prompts":
		category := ""
		if len(args) > 0 {
			category = args[0]
		}
		printTemplates(r.out, r.prompts.List(category))

	case "/prompt":
		if len(args) == 0 {
			return false, errors.New("usage: /prompt NAME [k=v ...]")
		}
		vars, err := parseVars(args[1:])
		if err != nil {
			return false, err
		}
		text, err := r.prompts.Render(args[0], vars)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, text)
		r.submit(ctx, text)

	default:
		return false, errors.Errorf("unknown command %s, type /help", name)
	}

	return false, nil
}

func (r *repl) export(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /export json|md [ID]")
	}
	id := r.controller.CurrentSessionID()
	if len(args) > 1 {
		var err error
		id, err = parseSessionID(args[1:])
		if err != nil {
			return err
		}
	}
	if id == 0 {
		return errors.New("no current session")
	}

	switch args[0] {
	case "json":
		doc, ok, err := r.controller.ExportSessionJSON(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("session %d not found", id)
		}
		return writeJSON(r.out, doc)

	case "md", "markdown":
		md, ok, err := r.controller.ExportSessionMarkdown(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("session %d not found", id)
		}
		return printMarkdown(r.out, md)

	default:
		return errors.Errorf("unknown export format %s", args[0])
	}
}

func parseSessionID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("missing session id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid session id %q", args[0])
	}
	return id, nil
}

// parseVars turns k=v arguments into template variables.
func parseVars(args []string) (map[string]interface{}, error) {
	ret := map[string]interface{}{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("invalid variable %q, expected key=value", arg)
		}
		ret[k] = v
	}
	return ret, nil
}
