package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/shellhost/internal/app"
	"github.com/vanpelt/shellhost/internal/config"
	"github.com/vanpelt/shellhost/internal/screen"
	"github.com/vanpelt/shellhost/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "📦 Inspect archived sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "📋 List terminated sessions from the archive",
	Long: `# 📋 List Archived Sessions

**Read the configured store directly; the server does not need to be running.**

Unreadable records are reported on stderr and skipped.`,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "🖨️ Print an archived session's output",
	Long: `# 🖨️ Show Archived Output

**Print the output a terminated session left behind.**

With **--text** the output is replayed through a virtual terminal and the
final screen is printed as plain text, without escape sequences.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsShow,
}

func init() {
	sessionsListCmd.Flags().Bool("json", false, "Print records as JSON")
	sessionsShowCmd.Flags().Bool("text", false, "Render to plain text")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(settings)
	if err != nil {
		return err
	}
	defer st.Close()

	records, errs := st.LoadAll(context.Background())
	for _, err := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %v\n", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return printRecords(cmd.OutOrStdout(), records, asJSON)
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(settings)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	rec, err := st.Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	history, err := st.LoadHistory(ctx, rec)
	if err != nil {
		return err
	}
	asText, _ := cmd.Flags().GetBool("text")
	return printHistory(cmd.OutOrStdout(), rec, history, asText)
}

func printHistory(out io.Writer, rec store.Record, history []byte, asText bool) error {
	if !asText {
		_, err := out.Write(history)
		return err
	}
	_, err := fmt.Fprintln(out, screen.Render(history, int(rec.Cols), int(rec.Rows)))
	return err
}

func printRecords(out io.Writer, records []store.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tALIAS\tTEMPLATE\tPORT\tCREATED\tTERMINATED\tREASON")
	for _, r := range records {
		port := "-"
		if r.WorkspaceServicePort != nil {
			port = fmt.Sprint(*r.WorkspaceServicePort)
		}
		terminated := "-"
		if r.TerminatedAt != nil {
			terminated = r.TerminatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SessionID,
			dash(r.SessionAlias),
			dash(r.TemplateID),
			port,
			r.CreatedAt.Local().Format(time.DateTime),
			terminated,
			dash(r.TerminationReason))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
