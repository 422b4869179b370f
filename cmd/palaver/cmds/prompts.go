package cmds

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/go-go-golems/palaver/pkg/prompts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func defaultPromptsFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".palaver", "prompts.yaml")
}

// loadPromptManager returns the built-in templates plus those found in the
// prompts file, if any.
func loadPromptManager() (*prompts.Manager, error) {
	m := prompts.NewManager()
	path := viper.GetString("prompts-file")
	if path == "" {
		path = defaultPromptsFile()
	}
	if err := m.LoadFile(path); err != nil {
		return nil, err
	}
	return m, nil
}

func NewPromptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List and render prompt templates",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadPromptManager()
			if err != nil {
				return err
			}
			category, _ := cmd.Flags().GetString("category")
			printTemplates(cmd.OutOrStdout(), m.List(category))
			return nil
		},
	}
	listCmd.Flags().String("category", "", "Only list templates of this category")

	renderCmd := &cobra.Command{
		Use:   "render NAME",
		Short: "Render a prompt template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadPromptManager()
			if err != nil {
				return err
			}
			rawVars, _ := cmd.Flags().GetStringArray("var")
			vars, err := parseVars(rawVars)
			if err != nil {
				return err
			}
			text, err := m.Render(args[0], vars)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	renderCmd.Flags().StringArray("var", nil, "Template variable as key=value, can be repeated")

	cmd.PersistentFlags().String("prompts-file", "", "Custom prompt templates (default ~/.palaver/prompts.yaml)")
	_ = viper.BindPFlag("prompts-file", cmd.PersistentFlags().Lookup("prompts-file"))

	cmd.AddCommand(listCmd, renderCmd)
	return cmd
}

func printTemplates(w io.Writer, templates []*prompts.Template) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tVARIABLES\tDESCRIPTION")
	for _, t := range templates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			t.Name, t.Category, strings.Join(t.Variables, ","), t.Description)
	}
	_ = tw.Flush()
}
