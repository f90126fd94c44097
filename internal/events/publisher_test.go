package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func blockedReport() *orchestrator.RunReport {
	r := orchestrator.NewRunReport("run.42")
	blocked := orchestrator.TerminalBlocked
	r.TerminalState = &blocked
	r.BlockedReasonCodes = []string{orchestrator.CodeCINotSuccess}
	r.GateDecisions = []orchestrator.GateDecision{
		{Gate: orchestrator.GatePolicy, Passed: true},
		{Gate: orchestrator.GateCI, Passed: false, ReasonCode: orchestrator.CodeCINotSuccess},
		{Gate: orchestrator.GateReview, Passed: true},
	}
	r.FinishedAtUnixSecs = 1700000000
	return r
}

func TestPublisher_PublishRun(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 8)
	_, err = sub.ChanSubscribe("ci.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "ci", nil)
	require.NoError(t, err)
	defer pub.Close()

	report := blockedReport()
	cases := escalation.Route(report)
	require.Len(t, cases, 1)
	risk := prrisk.Compute(report, prrisk.DefaultAutoMergeThreshold)

	require.NoError(t, pub.PublishRun(context.Background(), NewRunEvent(report, risk, cases), cases))

	run := receive(t, msgs)
	assert.Equal(t, "ci.runs.run_42.completed", run.Subject)
	assert.Equal(t, "run.42", run.Header.Get(nats.MsgIdHdr))
	var ev RunEvent
	require.NoError(t, json.Unmarshal(run.Data, &ev))
	assert.Equal(t, orchestrator.TerminalBlocked, ev.TerminalState)
	assert.Equal(t, []string{orchestrator.CodeCINotSuccess}, ev.BlockedReasonCodes)
	assert.Equal(t, risk.TotalScore, ev.RiskScore)
	assert.False(t, ev.AutoMergeEligible)
	assert.Equal(t, 1, ev.EscalationCount)

	esc := receive(t, msgs)
	assert.Equal(t, "ci.escalations.sev2", esc.Subject)
	var c escalation.Case
	require.NoError(t, json.Unmarshal(esc.Data, &c))
	assert.Equal(t, cases[0], c)
	assert.Equal(t, cases[0].ID, esc.Header.Get(nats.MsgIdHdr))
}

func TestPublisher_PublishRunWithoutDeadline(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	require.False(t, hasDeadline)

	assert.NoError(t, pub.PublishRun(ctx, RunEvent{RunID: "r"}, nil))
}

func TestPublisher_PublishRunWithDeadline(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, pub.PublishRun(ctx, RunEvent{RunID: "r"}, nil))
}

func TestPublisher_NotConnected(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	pub := NewPublisher(nc, "", nil)
	err = pub.PublishRun(context.Background(), RunEvent{RunID: "r"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, pub.Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "", nil)
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	pub := NewPublisher(nil, "", nil)
	assert.Equal(t, "conveyor.runs.a_b-c.completed", pub.RunSubject("a.b-c"))
	assert.Equal(t, "conveyor.escalations.sev1", pub.EscalationSubject(escalation.Sev1))
}

func receive(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
