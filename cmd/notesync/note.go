package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/spf13/cobra"
)

var (
	listJSON    bool
	listPreview int
	listDeleted bool
	showLines   int
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Create, edit, delete and list notes in the local store",
}

// noteText joins the arguments, or reads stdin when there are none or the
// only argument is "-".
func noteText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return strings.Join(args, " "), nil
}

var noteAddCmd = &cobra.Command{
	Use:   "add [text...]",
	Short: "Create a note; reads stdin without arguments",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := noteText(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		now := time.Now()
		saved, err := store.Upsert(cmd.Context(), notes.Note{
			ID:        notes.NewID(now),
			Text:      text,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
		return nil
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id> [text...]",
	Short: "Replace the text of a note; reads stdin without text arguments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := noteText(args[1:], cmd.InOrStdin())
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		current, err := store.Get(cmd.Context(), args[0])
		if errs.IsNotFound(err) {
			return fmt.Errorf("no note %s", args[0])
		}
		if err != nil {
			return err
		}
		current.Text = text
		current.UpdatedAt = time.Now()
		if _, err := store.Upsert(cmd.Context(), current); err != nil {
			return err
		}
		return nil
	},
}

var noteRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.Get(cmd.Context(), args[0]); errs.IsNotFound(err) {
			return fmt.Errorf("no note %s", args[0])
		} else if err != nil {
			return err
		}
		_, err = store.Delete(cmd.Context(), args[0])
		return err
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the text of a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Get(cmd.Context(), args[0])
		if errs.IsNotFound(err) {
			return fmt.Errorf("no note %s", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), notes.ContentPreview(n.Text, showLines))
		return nil
	},
}

var noteLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List notes, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if listJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(list)
		}

		for _, n := range list {
			marker := " "
			if n.Dirty() {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  %s\n", marker, n.ID, n.UpdatedAt.Local().Format(time.DateTime), notes.Title(n.Text))
			if listPreview > 0 {
				for _, line := range strings.Split(notes.ContentPreview(n.Text, listPreview), "\n") {
					fmt.Fprintf(out, "      %s\n", line)
				}
			}
		}

		if listDeleted {
			tombs, err := store.Tombstones(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tombs {
				marker := " "
				if t.State.Pending() {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s  %s  (deleted)\n", marker, t.ID, t.DeletedAt.Local().Format(time.DateTime))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(noteCmd)
	noteCmd.AddCommand(noteAddCmd, noteEditCmd, noteRmCmd, noteShowCmd, noteLsCmd)

	noteShowCmd.Flags().IntVarP(&showLines, "lines", "n", 0, "print at most this many lines (0 = all)")
	noteLsCmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")
	noteLsCmd.Flags().IntVar(&listPreview, "preview", 0, "show the first N lines of each note")
	noteLsCmd.Flags().BoolVar(&listDeleted, "deleted", false, "include tombstones")
}
