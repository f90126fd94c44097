// Package events announces finished runs and their escalation cases on NATS.
//
// Subjects:
//
//	<prefix>.runs.<run_id>.completed     RunEvent
//	<prefix>.escalations.<severity>      escalation.Case
//
// Dots in run ids are replaced with underscores so a run id is always a
// single subject token.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

const (
	// DefaultSubjectPrefix is used when no prefix is configured.
	DefaultSubjectPrefix = "conveyor"

	// DefaultFlushTimeout bounds the flush when ctx carries no deadline.
	DefaultFlushTimeout = 5 * time.Second
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats connection closed")

// RunEvent summarises a finished run.
type RunEvent struct {
	RunID              string                     `json:"run_id"`
	TerminalState      orchestrator.TerminalState `json:"terminal_state"`
	BlockedReasonCodes []string                   `json:"blocked_reason_codes"`
	DecisionConfidence *uint8                     `json:"decision_confidence"`
	RiskScore          uint32                     `json:"risk_score"`
	AutoMergeEligible  bool                       `json:"auto_merge_eligible"`
	EscalationCount    int                        `json:"escalation_count"`
	FinishedAtUnixSecs int64                      `json:"finished_at_unix_secs"`
}

// NewRunEvent builds the event for a finished report.
func NewRunEvent(r *orchestrator.RunReport, risk prrisk.Breakdown, cases []escalation.Case) RunEvent {
	return RunEvent{
		RunID:              r.RunID,
		TerminalState:      r.Terminal(),
		BlockedReasonCodes: r.BlockedReasonCodes,
		DecisionConfidence: r.DecisionConfidence,
		RiskScore:          risk.TotalScore,
		AutoMergeEligible:  risk.EligibleForAutoMerge,
		EscalationCount:    len(cases),
		FinishedAtUnixSecs: r.FinishedAtUnixSecs,
	}
}

// Publisher publishes run events on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	logger *zap.Logger
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("conveyor"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p := NewPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. Close does not close nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// RunSubject returns the subject a run's completion is published on.
func (p *Publisher) RunSubject(runID string) string {
	return p.prefix + ".runs." + subjectToken(runID) + ".completed"
}

// EscalationSubject returns the subject for cases of the given severity.
func (p *Publisher) EscalationSubject(sev escalation.Severity) string {
	return p.prefix + ".escalations." + string(sev)
}

// PublishRun publishes the run summary followed by one message per case, then
// flushes so delivery to the server is confirmed before returning. A ctx
// without a deadline is given DefaultFlushTimeout.
func (p *Publisher) PublishRun(ctx context.Context, ev RunEvent, cases []escalation.Case) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	if err := p.publish(p.RunSubject(ev.RunID), ev.RunID, ev); err != nil {
		return err
	}
	for _, c := range cases {
		if err := p.publish(p.EscalationSubject(c.Severity), c.ID, c); err != nil {
			return err
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing NATS: %w", err)
	}
	p.logger.Debug("published run events",
		zap.String("run.id", ev.RunID),
		zap.Int("escalations", len(cases)))
	return nil
}

func (p *Publisher) publish(subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Data = data
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection when the Publisher owns it.
func (p *Publisher) Close() error {
	if !p.owned || p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
