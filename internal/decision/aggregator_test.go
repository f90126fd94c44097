package decision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contribution(id string, vote FinalDecision, confidence, weight uint8) Contribution {
	return Contribution{ContributorID: id, Capability: "review", Vote: vote, Confidence: confidence, Weight: weight}
}

func TestAggregate_Empty(t *testing.T) {
	got := Aggregate(nil, DefaultAggregatorConfig())

	assert.Equal(t, Block, got.FinalDecision)
	assert.Equal(t, uint8(0), got.DecisionConfidence)
	assert.Equal(t, []string{CodeNoContributions}, got.DecisionRationaleCodes)
	assert.Equal(t, uint8(70), got.Threshold)
}

func TestAggregate_SingleConfidentProceed(t *testing.T) {
	got := Aggregate([]Contribution{contribution("a", Proceed, 100, 100)}, AggregatorConfig{MinConfidenceToProceed: 70})

	assert.Equal(t, Proceed, got.FinalDecision)
	assert.Equal(t, uint8(100), got.DecisionConfidence)
	assert.Empty(t, got.DecisionRationaleCodes)
}

func TestAggregate_ProceedBelowThresholdDowngrades(t *testing.T) {
	got := Aggregate([]Contribution{contribution("a", Proceed, 50, 100)}, AggregatorConfig{MinConfidenceToProceed: 70})

	assert.Equal(t, Block, got.FinalDecision)
	assert.Equal(t, uint8(50), got.DecisionConfidence)
	assert.Equal(t, []string{CodeConfidenceBelowThreshold}, got.DecisionRationaleCodes)
}

func TestAggregate_DissentLowersConfidence(t *testing.T) {
	// Proceed 9000 of an attainable 20000.
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 90, 100),
		contribution("b", Block, 40, 100),
	}, AggregatorConfig{MinConfidenceToProceed: 40})

	assert.Equal(t, Proceed, got.FinalDecision)
	assert.Equal(t, uint8(45), got.DecisionConfidence)
	assert.Empty(t, got.DecisionRationaleCodes)
}

func TestAggregate_EqualScoresFailClosed(t *testing.T) {
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 80, 50),
		contribution("b", Block, 80, 50),
	}, AggregatorConfig{MinConfidenceToProceed: 0})

	assert.Equal(t, Block, got.FinalDecision)
	assert.Equal(t, uint8(40), got.DecisionConfidence)
	assert.Equal(t, []string{CodeTieFailClosed}, got.DecisionRationaleCodes)
}

func TestAggregate_TieBetweenEscalateAndProceedPrefersEscalate(t *testing.T) {
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 60, 60),
		contribution("b", Escalate, 60, 60),
	}, AggregatorConfig{})

	assert.Equal(t, Escalate, got.FinalDecision)
	assert.Equal(t, []string{CodeTieFailClosed, CodeEscalated}, got.DecisionRationaleCodes)
}

func TestAggregate_MaxConfidenceBreaksScoreTie(t *testing.T) {
	// 100*40 == 80*50
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 100, 40),
		contribution("b", Block, 80, 50),
	}, AggregatorConfig{})

	assert.Equal(t, Proceed, got.FinalDecision)
	assert.NotContains(t, got.DecisionRationaleCodes, CodeTieFailClosed)
}

func TestAggregate_CountBreaksConfidenceTie(t *testing.T) {
	// Block: 50*40 + 50*40 = 4000 with two voters; Proceed: 50*80 = 4000 with one.
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 50, 80),
		contribution("b", Block, 50, 40),
		contribution("c", Block, 50, 40),
	}, AggregatorConfig{})

	assert.Equal(t, Block, got.FinalDecision)
	assert.Empty(t, got.DecisionRationaleCodes)
}

func TestAggregate_EscalateWinnerTagged(t *testing.T) {
	got := Aggregate([]Contribution{
		contribution("a", Escalate, 90, 90),
		contribution("b", Proceed, 10, 10),
	}, AggregatorConfig{MinConfidenceToProceed: 70})

	assert.Equal(t, Escalate, got.FinalDecision)
	assert.Equal(t, []string{CodeEscalated}, got.DecisionRationaleCodes)
	assert.Equal(t, uint8(81), got.DecisionConfidence)
}

func TestAggregate_ZeroWeights(t *testing.T) {
	got := Aggregate([]Contribution{
		contribution("a", Proceed, 90, 0),
		contribution("b", Block, 40, 0),
	}, AggregatorConfig{MinConfidenceToProceed: 70})

	// Scores tie at zero and Proceed wins on max confidence; nothing is attainable so confidence is 0.
	assert.Equal(t, Block, got.FinalDecision)
	assert.Equal(t, uint8(0), got.DecisionConfidence)
	assert.Equal(t, []string{CodeConfidenceBelowThreshold}, got.DecisionRationaleCodes)
}

func TestAggregate_IsDeterministic(t *testing.T) {
	in := []Contribution{
		contribution("a", Proceed, 70, 30),
		contribution("b", Escalate, 70, 30),
		contribution("c", Block, 20, 90),
	}
	cfg := AggregatorConfig{MinConfidenceToProceed: 60}

	first, err := json.Marshal(Aggregate(in, cfg))
	require.NoError(t, err)
	second, err := json.Marshal(Aggregate(in, cfg))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestAggregate_DoesNotAliasInput(t *testing.T) {
	in := []Contribution{contribution("a", Proceed, 100, 100)}
	got := Aggregate(in, AggregatorConfig{})
	in[0].ContributorID = "changed"

	assert.Equal(t, "a", got.Contributions[0].ContributorID)
}

func TestAggregate_IgnoresUnknownVotes(t *testing.T) {
	got := Aggregate([]Contribution{{ContributorID: "x", Vote: "maybe", Confidence: 100, Weight: 100}}, AggregatorConfig{})

	assert.Equal(t, Block, got.FinalDecision)
	assert.Equal(t, []string{CodeNoContributions}, got.DecisionRationaleCodes)
}

func TestParseFinalDecision(t *testing.T) {
	for _, s := range []string{"proceed", "block", "escalate"} {
		d, err := ParseFinalDecision(s)
		require.NoError(t, err)
		assert.Equal(t, FinalDecision(s), d)
	}

	_, err := ParseFinalDecision("approve")
	assert.ErrorIs(t, err, ErrUnknownDecision)
}

func TestContribution_Validate(t *testing.T) {
	assert.NoError(t, contribution("a", Proceed, 100, 100).Validate())
	assert.Error(t, contribution("", Proceed, 1, 1).Validate())
	assert.Error(t, contribution("a", "other", 1, 1).Validate())
	assert.Error(t, contribution("a", Block, 101, 1).Validate())
	assert.Error(t, contribution("a", Block, 1, 101).Validate())
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, uint8(0), percentOf(5, 0))
	assert.Equal(t, uint8(33), percentOf(1, 3))
	assert.Equal(t, uint8(67), percentOf(2, 3))
	assert.Equal(t, uint8(50), percentOf(1, 2))
	assert.Equal(t, uint8(100), percentOf(3, 3))
}
