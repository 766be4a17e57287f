// Package demo holds the sample workflows the durable CLI worker runs.
package demo

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/durable/workflow"
)

// Double multiplies its input by two inside an activity.
var (
	DoubleActivity = workflow.NewActivity("demo.double.compute", func(a *workflow.ActivityCtx, x int) (int, error) {
		a.Logger().Debug("doubling", zap.Int("x", x))
		return x * 2, nil
	})
	Double = workflow.NewWorkflow("demo.double", func(c *workflow.Ctx, x int) (int, error) {
		return workflow.ExecActivity(c, DoubleActivity, x)
	})
)

// GreetRequest is the input of Greet.
type GreetRequest struct {
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
}

// Approval is the body of the Approve signal.
type Approval struct {
	By string `json:"by"`
}

// Greeting is published when Greet finishes.
type Greeting struct {
	Text string `json:"text"`
}

// Greet waits for an approval, then greets and broadcasts the greeting on
// the Greeted message tagged with the name.
var (
	Approve = workflow.NewSignal[Approval]("demo.approve")
	Greeted = workflow.NewMessage[Greeting]("demo.greeted")
	Greet   = workflow.NewWorkflow("demo.greet", greet)
)

const defaultGreetTimeout = 10 * time.Minute

func greet(c *workflow.Ctx, req GreetRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultGreetTimeout
	}
	approval, ok, err := workflow.ListenWithTimeout(c, Approve, timeout)
	if err != nil {
		return "", err
	}

	text := fmt.Sprintf("hello %s", req.Name)
	if ok {
		text = fmt.Sprintf("hello %s, approved by %s", req.Name, approval.By)
	}
	err = workflow.SendMessage(c, Greeted, Greeting{Text: text}).
		Tags(map[string]string{"name": req.Name}).
		Send()
	if err != nil {
		return "", err
	}
	return text, nil
}

// CountdownRequest is the input of Countdown.
type CountdownRequest struct {
	From     int           `json:"from"`
	Interval time.Duration `json:"interval"`
}

// Countdown sleeps Interval between ticks from From down to zero. It runs as
// a loop, so its history stays one iteration long however high it counts.
var (
	Tick      = workflow.NewActivity("demo.countdown.tick", tick)
	Countdown = workflow.NewWorkflow("demo.countdown", countdown)
)

func tick(a *workflow.ActivityCtx, n int) (int, error) {
	a.Logger().Info("countdown", zap.Int("remaining", n))
	return n - 1, nil
}

func countdown(c *workflow.Ctx, req CountdownRequest) (int, error) {
	return workflow.Loop(c, req.From, func(l *workflow.LoopCtx[int, int]) (workflow.LoopStep[int, int], error) {
		n := l.State()
		if n <= 0 {
			return l.Break(int(l.Iteration())), nil
		}
		if req.Interval > 0 {
			if err := l.Sleep(req.Interval); err != nil {
				return workflow.LoopStep[int, int]{}, err
			}
		}
		next, err := workflow.ExecActivity(l.Ctx, Tick, n)
		if err != nil {
			return workflow.LoopStep[int, int]{}, err
		}
		return l.Continue(next), nil
	})
}

// Register adds every demo workflow, activity, signal and message to reg.
func Register(reg *workflow.Registry) error {
	return reg.Register(
		Double, DoubleActivity,
		Greet, Approve, Greeted,
		Countdown, Tick,
	)
}
