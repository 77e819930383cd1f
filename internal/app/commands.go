package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
	"github.com/alanyoungcy/agentarena/internal/phase"
)

// Command types accepted on the command stream.
const (
	CmdCreate     = "create"
	CmdDraft      = "draft"
	CmdAnalysis   = "analysis"
	CmdHypothesis = "hypothesis"
	CmdCancel     = "cancel"
	CmdStatus     = "status"
	CmdExport     = "export"
	CmdBattles    = "battles"
)

// Command is the JSON envelope read from the command stream.
type Command struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	ActorID      string               `json:"actor_id"`
	MatchID      string               `json:"match_id,omitempty"`
	Symbol       string               `json:"symbol,omitempty"`
	Panel        domain.DraftPanel    `json:"panel,omitempty"`
	Outputs      []domain.AgentOutput `json:"outputs,omitempty"`
	Completeness float64              `json:"completeness,omitempty"`
	Prediction   *domain.Prediction   `json:"prediction,omitempty"`
	Before       *time.Time           `json:"before,omitempty"`
	Month        *time.Time           `json:"month,omitempty"`
}

// Reply is published on ReplyChannel(cmd.ID) once a command has run.
type Reply struct {
	CommandID   string                  `json:"command_id"`
	Type        string                  `json:"type"`
	MatchID     string                  `json:"match_id,omitempty"`
	OK          bool                    `json:"ok"`
	Error       string                  `json:"error,omitempty"`
	Phase       domain.Phase            `json:"phase,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
	SecondsLeft int                     `json:"seconds_left,omitempty"`
	Verdict     *domain.AggregateResult `json:"verdict,omitempty"`
	Exported    int64                   `json:"exported,omitempty"`
	Archived    []string                `json:"archived,omitempty"`
}

// ReplyChannel is the SignalBus channel a command's reply is published on.
func ReplyChannel(commandID string) string {
	return "arena:reply:" + commandID
}

// Engine is the match surface the dispatcher drives.
type Engine interface {
	Create(ctx context.Context, ownerID, symbol string) (domain.Match, error)
	Status(ctx context.Context, matchID string) (domain.Match, int, error)
	SubmitDraft(ctx context.Context, matchID, actorID string, panel domain.DraftPanel) (phase.Transition, error)
	SubmitAnalysis(ctx context.Context, matchID, actorID string, outputs []domain.AgentOutput, completeness float64) (domain.AggregateResult, phase.Transition, error)
	SubmitHypothesis(ctx context.Context, matchID, actorID string, p domain.Prediction) (phase.Transition, error)
	Cancel(ctx context.Context, matchID, actorID string) error
}

// Dispatcher executes commands against an Engine.
type Dispatcher struct {
	engine   Engine
	archiver domain.BattleArchiver
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. archiver may be nil, in which case
// export and battles commands fail.
func NewDispatcher(engine Engine, archiver domain.BattleArchiver) *Dispatcher {
	return &Dispatcher{engine: engine, archiver: archiver, now: time.Now}
}

// Dispatch runs one command. Domain failures are reported in the reply,
// never as a Go error, so one bad command cannot stop the consumer.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Reply {
	r := Reply{CommandID: cmd.ID, Type: cmd.Type, MatchID: cmd.MatchID}
	var err error
	switch cmd.Type {
	case CmdCreate:
		var m domain.Match
		m, err = d.engine.Create(ctx, cmd.ActorID, cmd.Symbol)
		r.MatchID, r.Phase = m.ID, m.Phase
		r.OK = err == nil
	case CmdDraft:
		var t phase.Transition
		t, err = d.engine.SubmitDraft(ctx, cmd.MatchID, cmd.ActorID, cmd.Panel)
		r.setTransition(t)
	case CmdAnalysis:
		var t phase.Transition
		var res domain.AggregateResult
		res, t, err = d.engine.SubmitAnalysis(ctx, cmd.MatchID, cmd.ActorID, cmd.Outputs, cmd.Completeness)
		if err == nil {
			r.Verdict = &res
		}
		r.setTransition(t)
	case CmdHypothesis:
		if cmd.Prediction == nil {
			err = errors.New("prediction is required")
			break
		}
		var t phase.Transition
		t, err = d.engine.SubmitHypothesis(ctx, cmd.MatchID, cmd.ActorID, *cmd.Prediction)
		r.setTransition(t)
	case CmdCancel:
		err = d.engine.Cancel(ctx, cmd.MatchID, cmd.ActorID)
		r.OK = err == nil
	case CmdStatus:
		var m domain.Match
		m, r.SecondsLeft, err = d.engine.Status(ctx, cmd.MatchID)
		r.Phase, r.ExpiresAt = m.Phase, m.ExpiresAt
		r.OK = err == nil
	case CmdExport:
		if d.archiver == nil {
			err = fmt.Errorf("export: %w", domain.ErrUnavailable)
			break
		}
		before := d.now()
		if cmd.Before != nil {
			before = *cmd.Before
		}
		r.Exported, err = d.archiver.ExportResults(ctx, before)
		r.OK = err == nil
	case CmdBattles:
		if d.archiver == nil {
			err = fmt.Errorf("battles: %w", domain.ErrUnavailable)
			break
		}
		month := d.now()
		if cmd.Month != nil {
			month = *cmd.Month
		}
		var infos []domain.BlobInfo
		infos, err = d.archiver.ListBattles(ctx, month)
		for _, info := range infos {
			r.Archived = append(r.Archived, info.Path)
		}
		r.OK = err == nil
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}
	if err != nil {
		r.OK = false
		r.Error = err.Error()
	}
	return r
}

func (r *Reply) setTransition(t phase.Transition) {
	r.OK = t.Valid
	r.Phase = t.Phase
	r.Errors = t.Errors
	r.ExpiresAt = t.ExpiresAt
}

// Consumer reads commands from a SignalBus stream and publishes replies.
type Consumer struct {
	bus        domain.SignalBus
	dispatcher *Dispatcher
	stream     string
	logger     *slog.Logger
	batch      int
}

// NewConsumer creates a Consumer over stream.
func NewConsumer(bus domain.SignalBus, dispatcher *Dispatcher, stream string, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:        bus,
		dispatcher: dispatcher,
		stream:     stream,
		logger:     logger.With(slog.String("component", "command_consumer")),
		batch:      16,
	}
}

// Run consumes new entries until ctx is cancelled. Read failures back off and
// retry; they never stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	lastID, err := c.tail(ctx)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "command consumer started",
		slog.String("stream", c.stream),
		slog.String("after", lastID),
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.bus.StreamRead(ctx, c.stream, lastID, c.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WarnContext(ctx, "command stream read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			lastID = msg.ID
			c.handle(ctx, msg)
		}
	}
}

// tail pins the cursor to the newest entry present at startup so commands
// appended while a read is not blocked are still delivered.
func (c *Consumer) tail(ctx context.Context) (string, error) {
	for {
		id, err := c.bus.StreamTail(ctx, c.stream)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.WarnContext(ctx, "command stream tail failed", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg domain.StreamMessage) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		c.logger.WarnContext(ctx, "dropping malformed command",
			slog.String("entry_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if cmd.ID == "" {
		cmd.ID = msg.ID
	}

	reply := c.dispatcher.Dispatch(ctx, cmd)
	c.logger.DebugContext(ctx, "command handled",
		slog.String("command_id", cmd.ID),
		slog.String("type", cmd.Type),
		slog.String("match_id", reply.MatchID),
		slog.Bool("ok", reply.OK),
	)

	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, ReplyChannel(cmd.ID), payload); err != nil {
		c.logger.WarnContext(ctx, "reply publish failed",
			slog.String("command_id", cmd.ID),
			slog.String("error", err.Error()),
		)
	}
}
