package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/durable/internal/demo"
	"github.com/pitabwire/durable/model"
	"github.com/pitabwire/durable/workflow"
)

const waitPoll = 200 * time.Millisecond

func dispatchCmd() *cobra.Command {
	var (
		tags    map[string]string
		id      string
		wait    bool
		inline  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch <workflow> [json-input]",
		Short: "Start a workflow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := jsonArg(args, 1)
			if err != nil {
				return fmt.Errorf("input: %w", err)
			}
			opts := []workflow.DispatchOption{workflow.WithTags(tags)}
			if id != "" {
				parsed, err := uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("--id: %w", err)
				}
				opts = append(opts, workflow.WithID(parsed))
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *workflow.Client) error {
				if inline {
					stop, err := startInlineWorker(ctx, c)
					if err != nil {
						return err
					}
					defer stop()
					wait = true
				}
				wfID, err := c.DispatchRaw(ctx, args[0], input, opts...)
				if err != nil {
					return err
				}
				if !wait {
					if viper.GetBool("json") {
						return printJSON(map[string]string{"id": wfID.String()})
					}
					fmt.Println(wfID)
					return nil
				}
				rec, err := waitSettled(ctx, c, wfID, timeout)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "workflow tag key=value (repeatable)")
	cmd.Flags().StringVar(&id, "id", "", "workflow id (default: random)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the workflow to complete or die")
	cmd.Flags().BoolVar(&inline, "inline", false, "run a worker in this process until the workflow settles")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long --wait waits")
	return cmd
}

// startInlineWorker runs a worker for the sample workflows on the client's
// driver. The returned func stops it.
func startInlineWorker(ctx context.Context, c *workflow.Client) (func(), error) {
	reg := workflow.NewRegistry()
	if err := demo.Register(reg); err != nil {
		return nil, err
	}
	w := workflow.NewWorker(reg, c.Driver(), workflow.WithTickInterval(waitPoll))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()
	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = w.Shutdown(shutdownCtx)
		cancel()
		<-done
	}, nil
}

// waitSettled polls until the workflow completes or dies.
func waitSettled(ctx context.Context, c *workflow.Client, id uuid.UUID, timeout time.Duration) (*model.WorkflowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		rec, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.IsComplete() || rec.IsDead() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow %s still %s: %w", id, rec.State(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func signalCmd() *cobra.Command {
	var (
		target string
		tags   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "signal <signal> [json-body]",
		Short: "Send a signal to a workflow by id or by tags",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (target == "") == (len(tags) == 0) {
				return errors.New("exactly one of --workflow or --tag is required")
			}
			body, err := jsonArg(args, 1)
			if err != nil {
				return fmt.Errorf("body: %w", err)
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *workflow.Client) error {
				var sigID uuid.UUID
				if target != "" {
					wfID, err := uuid.Parse(target)
					if err != nil {
						return fmt.Errorf("--workflow: %w", err)
					}
					sigID, err = c.SignalRaw(ctx, wfID, args[0], body)
					if err != nil {
						return err
					}
				} else {
					sigID, err = c.SignalTaggedRaw(ctx, tags, args[0], body)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"signal_id": sigID.String()})
				}
				fmt.Println(sigID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "workflow", "", "recipient workflow id")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "recipient tag key=value (repeatable)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *workflow.Client) error {
				rec, err := c.Get(ctx, id)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "List the recorded events of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *workflow.Client) error {
				events, err := c.History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Location", "Type", "Version", "Name", "Detail"})
				for i := range events {
					ev := &events[i]
					t.AppendRow(table.Row{ev.Location.String(), ev.Type, ev.Version, ev.Name, eventDetail(ev)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func wakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake <workflow-id>",
		Short: "Clear a workflow's error and schedule it immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return operate(cmd, args[0], (*workflow.Client).Wake, "woken")
		},
	}
}

func silenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "silence <workflow-id>",
		Short: "Stop a workflow from being pulled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return operate(cmd, args[0], (*workflow.Client).Silence, "silenced")
		},
	}
}

func operate(cmd *cobra.Command, arg string, op func(*workflow.Client, context.Context, uuid.UUID) error, done string) error {
	id, err := uuid.Parse(arg)
	if err != nil {
		return err
	}
	return withClient(cmd.Context(), func(ctx context.Context, c *workflow.Client) error {
		if err := op(c, ctx, id); err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(map[string]string{"id": id.String(), "status": done})
		}
		fmt.Printf("%s %s\n", id, done)
		return nil
	})
}

func printRecord(rec *model.WorkflowRecord) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Name", "State", "Error Code", "Error", "Wake", "Created", "Output"})
	t.AppendRow(table.Row{
		rec.ID,
		rec.Name,
		rec.State(),
		rec.ErrorCode,
		rec.Error,
		wakeSummary(rec),
		rec.CreateTS.Format(time.RFC3339),
		string(rec.Output),
	})
	t.Render()
	return nil
}

func wakeSummary(rec *model.WorkflowRecord) string {
	if !rec.HasWakeCondition {
		return ""
	}
	w := rec.Wake
	var parts []string
	for _, k := range w.Kinds() {
		switch k {
		case model.WakeDeadline:
			parts = append(parts, "deadline "+w.Deadline.Format(time.RFC3339))
		case model.WakeSignal:
			parts = append(parts, "signal "+strings.Join(w.Signals, ","))
		case model.WakeSubWorkflow:
			parts = append(parts, "sub-workflow "+w.SubWorkflowID.String())
		default:
			parts = append(parts, k.String())
		}
	}
	return strings.Join(parts, "; ")
}

func eventDetail(ev *model.Event) string {
	switch ev.Type {
	case model.EventActivity:
		if ev.Succeeded() {
			return "output " + compactJSON(ev.Output)
		}
		if n := ev.ErrorCount(); n > 0 {
			return fmt.Sprintf("%d failed attempts, last: %s", n, ev.Errors[n-1].Error)
		}
		return "pending"
	case model.EventSignalRecv, model.EventSignalSend:
		return fmt.Sprintf("signal %s body %s", ev.SignalID, compactJSON(ev.Body))
	case model.EventMessageSend:
		return "body " + compactJSON(ev.Body)
	case model.EventSubWorkflowDispatch:
		return "sub-workflow " + ev.SubWorkflowID.String()
	case model.EventSleep:
		return fmt.Sprintf("%s until %s", ev.SleepState, ev.Deadline.Format(time.RFC3339))
	case model.EventLoop:
		return fmt.Sprintf("iteration %d state %s", ev.Iteration, compactJSON(ev.State))
	case model.EventRemoved:
		return fmt.Sprintf("removed %s %s", ev.RemovedType, ev.RemovedName)
	default:
		return ""
	}
}

func compactJSON(raw []byte) string {
	if raw == nil {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
