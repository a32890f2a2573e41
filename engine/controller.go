package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/autolyst-dev/autolyst/gateway"
	"github.com/autolyst-dev/autolyst/model"
	"github.com/autolyst-dev/autolyst/protocol"
	"github.com/autolyst-dev/autolyst/sandbox"
	"github.com/autolyst-dev/autolyst/workspace"
)

// Loop states. One gateway call or one execution is outstanding at any time;
// the next state never begins until the previous one finished or timed out.
type state int

const (
	stateAwaitingModel state = iota
	stateHasResponse
	stateExecuting
	stateTerminating
)

// Outcome is what a finished round loop hands back: the terminal status, the
// full transcript, and the union of all per-round artifacts.
type Outcome struct {
	Status    model.Status
	Answer    string
	Rounds    int
	Turns     []model.Turn
	Artifacts []model.Artifact
}

// Controller drives the round loop for one session: request a completion,
// decode it, decide whether to execute, run the payload, feed the observation
// back, and stop on an answer, an idle response, or an exhausted budget.
// A Controller is single use; create one per session run.
type Controller struct {
	Gateway   gateway.Gateway
	Runner    sandbox.Runner
	Sampling  gateway.Sampling
	MaxRounds int
	Timeout   time.Duration
	System    string

	// Optional observers, invoked synchronously as the loop progresses.
	OnTurn     func(model.Turn)
	OnArtifact func(model.Artifact)
	OnRound    func(round int)

	rounds int
	turns  []model.Turn
}

// Run executes the loop until a terminal condition: an answer or an idle
// response completes the session, an exhausted round budget aborts it with
// the partial transcript, and gateway or workspace failures are fatal.
// Payload failures and timeouts are not errors; they loop back into the
// transcript as observations. Run blocks until done and honors ctx.
func (c *Controller) Run(ctx context.Context, task, workdir string) (Outcome, error) {
	c.appendTurn(model.RoleUser, task, 0)

	var (
		out  Outcome
		resp protocol.Response
	)
	st := stateAwaitingModel
	for {
		if err := ctx.Err(); err != nil {
			c.finish(&out)
			return out, err
		}

		switch st {
		case stateAwaitingModel:
			if c.rounds >= c.MaxRounds {
				out.Status = model.StatusAborted
				c.finish(&out)
				return out, nil
			}
			comp, err := c.Gateway.Complete(ctx, c.messages(), c.Sampling, []string{protocol.StopSequence})
			if err != nil {
				c.finish(&out)
				return out, fmt.Errorf("requesting completion: %w", err)
			}
			text := protocol.Normalize(comp.Text, comp.StoppedOnSequence)
			resp = protocol.Parse(text)
			c.appendTurn(model.RoleAssistant, text, c.rounds+1)
			st = stateHasResponse

		case stateHasResponse:
			if resp.HasAnswer || !resp.HasPayload {
				st = stateTerminating
			} else {
				st = stateExecuting
			}

		case stateExecuting:
			before, err := workspace.Take(workdir)
			if err != nil {
				c.finish(&out)
				return out, err
			}
			res, err := c.Runner.Run(ctx, resp.Payload, workdir, c.Timeout)
			if err != nil {
				c.finish(&out)
				return out, fmt.Errorf("executing payload: %w", err)
			}
			after, err := workspace.Take(workdir)
			if err != nil {
				c.finish(&out)
				return out, err
			}

			c.rounds++
			for _, a := range workspace.Diff(before, after) {
				a.Round = c.rounds
				out.Artifacts = append(out.Artifacts, a)
				if c.OnArtifact != nil {
					c.OnArtifact(a)
				}
			}
			c.appendTurn(model.RoleObservation, protocol.WrapObservation(res.Observation()), c.rounds)
			if c.OnRound != nil {
				c.OnRound(c.rounds)
			}
			st = stateAwaitingModel

		case stateTerminating:
			out.Status = model.StatusDone
			out.Answer = resp.Answer
			c.finish(&out)
			return out, nil
		}
	}
}

func (c *Controller) appendTurn(role model.Role, content string, round int) {
	turn := model.Turn{
		Round:     round,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	c.turns = append(c.turns, turn)
	if c.OnTurn != nil {
		c.OnTurn(turn)
	}
}

func (c *Controller) finish(out *Outcome) {
	out.Rounds = c.rounds
	out.Turns = c.turns
}

// messages renders the transcript for the wire. The system prompt leads, and
// observation turns ride as user messages since the serving layer only
// understands the two conversational roles.
func (c *Controller) messages() []gateway.Message {
	msgs := make([]gateway.Message, 0, len(c.turns)+1)
	if c.System != "" {
		msgs = append(msgs, gateway.Message{Role: gateway.RoleSystem, Content: c.System})
	}
	for _, t := range c.turns {
		role := gateway.RoleUser
		if t.Role == model.RoleAssistant {
			role = gateway.RoleAssistant
		}
		msgs = append(msgs, gateway.Message{Role: role, Content: t.Content})
	}
	return msgs
}
