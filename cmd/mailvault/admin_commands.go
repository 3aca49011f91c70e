package main

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/matta/mailvault/internal/config"
	"github.com/matta/mailvault/internal/coord"
	"github.com/matta/mailvault/internal/credential"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func renderSnapshot(s coord.Snapshot) string {
	total := "unset"
	progress := "-"
	if s.TotalSet {
		total = strconv.FormatInt(s.Total, 10)
		progress = "100%"
		if s.Total > 0 {
			progress = fmt.Sprintf("%d%%", s.Settled()*100/s.Total)
		}
	}
	aborted := "no"
	if s.Aborted {
		aborted = "yes"
	}
	headers := []string{"Run", "Total", "Processed", "Errors", "Progress", "Aborted"}
	row := []string{
		s.RunID,
		total,
		strconv.FormatInt(s.Processed, 10),
		strconv.FormatInt(s.Errors, 10),
		progress,
		aborted,
	}
	return renderTable(headers, [][]string{row}, 1, 2, 3, 4)
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the counters of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.coord.Snapshot(c, runID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(snap))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count stored messages per mailbox generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.store.Stats(c)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages stored")
				return nil
			}
			rows := make([][]string, 0, len(stats))
			for _, s := range stats {
				rows = append(rows, []string{
					s.SourceAddress,
					s.Mailbox,
					strconv.FormatUint(s.Generation, 10),
					strconv.FormatInt(s.Messages, 10),
					strconv.FormatInt(s.Bytes, 10),
				})
			}
			headers := []string{"Address", "Mailbox", "Generation", "Messages", "Bytes"}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, 2, 3, 4))
			return nil
		},
	}
}

func newAbortCommand(ctx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Ask every process of a run to stop after the work in flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.cfg.Coordinator.Backend == config.BackendMemory {
				return errors.New("abort needs a shared coordinator; coordinator.backend is memory")
			}

			changed, err := e.coord.Abort(c, runID)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: abort requested\n", runID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: already aborted\n", runID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newPasswordCommand(ctx *commandContext) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "password",
		Short: "Store the IMAP password, read from standard input, in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			s := cfg.Source
			if s.Kind != config.KindIMAP || s.Host == "" || s.Username == "" {
				return errors.New("password needs an imap source with host and username")
			}
			creds, err := credential.Open(keyringDir())
			if err != nil {
				return err
			}
			key := credential.IMAPKey(s.Username, s.Host)
			if remove {
				return creds.Delete(key)
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			pw := strings.TrimRight(line, "\r\n")
			if pw == "" {
				if err != nil {
					return errors.Wrap(err, "reading password")
				}
				return errors.New("empty password")
			}
			if err := creds.Set(key, pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "stored password for %s\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "Remove the stored password instead")
	return cmd
}
