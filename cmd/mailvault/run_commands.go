package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matta/mailvault/internal/config"
	"github.com/matta/mailvault/internal/queue"
	mailsync "github.com/matta/mailvault/internal/sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// watchSignals feeds SIGINT and SIGTERM to c until the returned stop
// function is called.
func watchSignals(ctx context.Context, c *mailsync.Canceller) (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	wctx, cancel := context.WithCancel(ctx)
	go c.Watch(wctx, sigs)
	return func() {
		signal.Stop(sigs)
		cancel()
	}
}

func printOutcome(w io.Writer, runID string, o mailsync.Outcome) {
	s := o.Snapshot
	state := "complete"
	switch {
	case o.Err != nil:
		state = "failed"
	case o.Aborted:
		state = "aborted"
	case !o.Completed:
		state = "incomplete"
	}
	fmt.Fprintf(w, "run %s %s: %d processed, %d errors, %d total\n", runID, state, s.Processed, s.Errors, s.Total)
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Plan, fetch and store one mailbox in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()

			src, err := e.openSource(c)
			if err != nil {
				return err
			}
			defer src.Close()

			r, err := e.runner(src)
			if err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			r.Canceller = mailsync.NewCanceller(e.coord, runID, e.area, e.log)
			stop := watchSignals(c, r.Canceller)
			defer stop()

			o := r.Run(c, runID, e.cfg.Source.Mailbox)
			printOutcome(cmd.OutOrStdout(), runID, o)
			return o.Err
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: a new UUID)")
	return cmd
}

func newPlanCommand(ctx *commandContext) *cobra.Command {
	var (
		runID   string
		enqueue bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the items a run would fetch, optionally queueing them for fetch workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()

			src, err := e.openSource(c)
			if err != nil {
				return err
			}
			defer src.Close()

			r, err := e.runner(src)
			if err != nil {
				return err
			}
			mailbox := e.cfg.Source.Mailbox
			out := cmd.OutOrStdout()

			if !enqueue {
				t := r.Target(mailbox)
				d, err := mailsync.Plan(c, src, t, mailsync.Captured(e.store, e.area, t))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderDelta(d, -1))
				return nil
			}

			if e.cfg.Queue.Backend != config.BackendNATS {
				return errors.New("plan --enqueue needs queue.backend nats")
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			d, pending, err := r.Prepare(c, runID, mailbox)
			if err != nil {
				return err
			}
			q, err := queue.NewJetStream(e.cfg.Queue.NATSURL, e.cfg.Queue.Stream, runID)
			if err != nil {
				return err
			}
			defer q.Close()
			if err := r.Enqueue(c, runID, d, q); err != nil {
				return err
			}
			fmt.Fprintln(out, renderDelta(d, len(pending)))
			fmt.Fprintf(out, "run id: %s\ngeneration: %d\n", runID, d.Generation)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier for --enqueue (default: a new UUID)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Start a distributed run: set its total and queue the batches")
	return cmd
}

// renderDelta draws d.  pending < 0 omits the pending column.
func renderDelta(d *mailsync.Delta, pending int) string {
	headers := []string{"Address", "Mailbox", "Generation", "Remote", "Known", "To fetch"}
	row := []string{
		d.Target.SourceAddress,
		d.Target.Mailbox,
		strconv.FormatUint(d.Generation, 10),
		strconv.Itoa(d.RemoteCount),
		strconv.Itoa(d.KnownCount),
		strconv.Itoa(len(d.ToFetch)),
	}
	if pending >= 0 {
		headers = append(headers, "Staged")
		row = append(row, strconv.Itoa(pending))
	}
	right := []int{2, 3, 4, 5, 6}
	return renderTable(headers, [][]string{row}, right...)
}

func newFetchWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		runID      string
		generation uint64
	)

	cmd := &cobra.Command{
		Use:   "fetch-worker",
		Short: "Fetch queued batches of a distributed run into the staging area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.cfg.Queue.Backend != config.BackendNATS {
				return errors.New("fetch-worker needs queue.backend nats")
			}

			src, err := e.openSource(c)
			if err != nil {
				return err
			}
			defer src.Close()

			r, err := e.runner(src)
			if err != nil {
				return err
			}
			mailbox := e.cfg.Source.Mailbox
			gen, err := e.generation(c, r, mailbox, generation)
			if err != nil {
				return err
			}
			r.Canceller = mailsync.NewCanceller(e.coord, runID, e.area, e.log)
			stop := watchSignals(c, r.Canceller)
			defer stop()

			q, err := queue.NewJetStream(e.cfg.Queue.NATSURL, e.cfg.Queue.Stream, runID)
			if err != nil {
				return err
			}
			defer q.Close()
			return r.Work(c, runID, mailbox, gen, q)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier printed by `plan --enqueue`")
	cmd.Flags().Uint64Var(&generation, "generation", 0, "Mailbox generation (default: the latest recorded)")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newWriterCommand(ctx *commandContext) *cobra.Command {
	var (
		runID      string
		generation uint64
	)

	cmd := &cobra.Command{
		Use:   "writer",
		Short: "Store staged artifacts of a distributed run as fetch workers produce them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			e, err := ctx.open(c)
			if err != nil {
				return err
			}
			defer e.Close()

			src, err := e.openSource(c)
			if err != nil {
				return err
			}
			defer src.Close()

			r, err := e.runner(src)
			if err != nil {
				return err
			}
			mailbox := e.cfg.Source.Mailbox
			gen, err := e.generation(c, r, mailbox, generation)
			if err != nil {
				return err
			}
			r.Canceller = mailsync.NewCanceller(e.coord, runID, e.area, e.log)
			stop := watchSignals(c, r.Canceller)
			defer stop()

			o := r.WriteStaged(c, runID, mailbox, gen)
			printOutcome(cmd.OutOrStdout(), runID, o)
			return o.Err
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier printed by `plan --enqueue`")
	cmd.Flags().Uint64Var(&generation, "generation", 0, "Mailbox generation (default: the latest recorded)")
	cmd.MarkFlagRequired("run-id")
	return cmd
}
