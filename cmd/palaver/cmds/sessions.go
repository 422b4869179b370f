package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/palaver/pkg/store"
	"github.com/mattn/go-isatty"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"gopkg.in/yaml.v3"
)

const sessionTimeFormat = "2006-01-02 15:04"

func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved chat sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			match, _ := cmd.Flags().GetString("match")

			sessions, err := s.ListSessions(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			sessions, err = filterSessions(sessions, match)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		}),
	}
	listCmd.Flags().Int("limit", 20, "Maximum number of sessions, 0 for all")
	listCmd.Flags().Int("offset", 0, "Number of sessions to skip")
	listCmd.Flags().String("match", "", "Only show sessions whose title matches this glob")

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a session as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			id, err := parseSessionID(args)
			if err != nil {
				return err
			}
			md, ok, err := store.ExportSessionMarkdown(cmd.Context(), s, id)
			if err != nil {
				return err
			}
			if !ok {
				return &store.NotFoundError{Resource: "session", ID: id}
			}
			return printMarkdown(cmd.OutOrStdout(), md)
		}),
	}

	searchCmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Find sessions whose title or messages contain QUERY",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			sessions, err := s.SearchSessions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		}),
	}
	searchCmd.Flags().Int("limit", 20, "Maximum number of results, 0 for all")

	renameCmd := &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			id, err := parseSessionID(args)
			if err != nil {
				return err
			}
			title := args[1]
			if title == "" {
				return errors.New("title is empty")
			}
			ok, err := s.UpdateSession(cmd.Context(), id, store.SessionUpdate{Title: &title})
			if err != nil {
				return err
			}
			if !ok {
				return &store.NotFoundError{Resource: "session", ID: id}
			}
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a session and all of its messages",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			id, err := parseSessionID(args)
			if err != nil {
				return err
			}
			session, ok, err := s.GetSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				return &store.NotFoundError{Resource: "session", ID: id}
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				confirmed, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
					fmt.Sprintf("Delete session %d (%s)? [y/n]", session.ID, session.Title))
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			_, err = s.DeleteSession(cmd.Context(), id)
			return err
		}),
	}
	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	exportCmd := &cobra.Command{
		Use:   "export ID",
		Short: "Export a session as json, markdown or html",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			id, err := parseSessionID(args)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			var data []byte
			var ok bool
			switch format {
			case "json":
				var doc *store.ExportDocument
				doc, ok, err = store.ExportSessionJSON(cmd.Context(), s, id)
				if err == nil && ok {
					data, err = json.MarshalIndent(doc, "", "  ")
				}
			case "md", "markdown":
				var md string
				md, ok, err = store.ExportSessionMarkdown(cmd.Context(), s, id)
				data = []byte(md)
			case "html":
				var html string
				html, ok, err = store.ExportSessionHTML(cmd.Context(), s, id)
				data = []byte(html)
			default:
				return errors.Errorf("unknown export format %s", format)
			}
			if err != nil {
				return err
			}
			if !ok {
				return &store.NotFoundError{Resource: "session", ID: id}
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return errors.Wrapf(err, "could not write %s", output)
			}
			log.Info().Int64("session_id", id).Str("output", output).Msg("Exported session")
			return nil
		}),
	}
	exportCmd.Flags().StringP("format", "f", "json", "Export format (json, md, html)")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a session from a json export",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			session, err := store.ImportSessionJSON(cmd.Context(), s, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported session %d: %s\n", session.ID, session.Title)
			return nil
		}),
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of session exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), store.ExportSchema())
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print database statistics",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error {
			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		}),
	}

	cmd.AddCommand(listCmd, showCmd, searchCmd, renameCmd, deleteCmd, exportCmd, importCmd, schemaCmd, statsCmd)
	return cmd
}

type storeRunFunc func(cmd *cobra.Command, s *store.SQLiteStore, args []string) error

// withStore opens the configured session database around f.
func withStore(f storeRunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ss, err := LoadStepSettings()
		if err != nil {
			return err
		}
		s, err := openStore(ss)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("could not close session database")
			}
		}()
		return f(cmd, s, args)
	}
}

// filterSessions keeps the sessions whose title matches the glob pattern.
func filterSessions(sessions []*store.SessionSummary, pattern string) ([]*store.SessionSummary, error) {
	if pattern == "" {
		return sessions, nil
	}
	ret := []*store.SessionSummary{}
	for _, s := range sessions {
		ok, err := glob.Match(pattern, s.Title)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern %s", pattern)
		}
		if ok {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func printSessions(w io.Writer, sessions []*store.SessionSummary) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n",
			s.ID, s.Title, s.MessageCount, s.UpdatedAt.Local().Format(sessionTimeFormat))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printMarkdown styles md with glamour when writing to a terminal.
func printMarkdown(w io.Writer, md string) error {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		styled, err := glamour.Render(md, "dark")
		if err == nil {
			md = styled
		} else {
			log.Debug().Err(err).Msg("could not render markdown")
		}
	}
	_, err := fmt.Fprint(w, md)
	return err
}

func confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}

	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}

	return answer == "y" || answer == "Y", nil
}
