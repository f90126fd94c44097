package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdict(specialty string, v Verdict, confidence, weight uint8) ReviewerVerdict {
	return ReviewerVerdict{Specialty: specialty, Verdict: v, Confidence: confidence, Weight: weight}
}

func TestRunReviewEnsemble_SecurityVeto(t *testing.T) {
	got := RunReviewEnsemble([]ReviewerVerdict{
		verdict(SpecialtyCorrectness, Approve, 100, 100),
		verdict(SpecialtyMaintainability, Approve, 100, 100),
		verdict(SpecialtySecurity, Reject, 1, 1),
	}, EnsembleConfig{MinApprovalConfidence: 0})

	assert.False(t, got.Passed)
	assert.Equal(t, uint8(100), got.Confidence)
	assert.Equal(t, []string{CodeReviewSecurityRejection}, got.ReasonCodes)
}

func TestRunReviewEnsemble_Approves(t *testing.T) {
	got := RunReviewEnsemble([]ReviewerVerdict{
		verdict(SpecialtyCorrectness, Approve, 90, 100),
		verdict(SpecialtySecurity, Approve, 90, 100),
		verdict(SpecialtyMaintainability, Reject, 10, 50),
	}, EnsembleConfig{MinApprovalConfidence: 70})

	assert.True(t, got.Passed)
	assert.Equal(t, uint8(97), got.Confidence) // 18000 / 18500
	assert.Empty(t, got.ReasonCodes)
}

func TestRunReviewEnsemble_RejectWins(t *testing.T) {
	got := RunReviewEnsemble([]ReviewerVerdict{
		verdict(SpecialtyCorrectness, Reject, 90, 100),
		verdict(SpecialtyMaintainability, Approve, 30, 100),
	}, EnsembleConfig{})

	assert.False(t, got.Passed)
	assert.Equal(t, uint8(75), got.Confidence)
	assert.Equal(t, []string{CodeReviewRejected}, got.ReasonCodes)
}

func TestRunReviewEnsemble_Ties(t *testing.T) {
	t.Run("weighted tie", func(t *testing.T) {
		got := RunReviewEnsemble([]ReviewerVerdict{
			verdict(SpecialtyCorrectness, Approve, 50, 50),
			verdict(SpecialtyMaintainability, Reject, 50, 50),
		}, EnsembleConfig{})

		assert.False(t, got.Passed)
		assert.Equal(t, uint8(50), got.Confidence)
		assert.Equal(t, []string{CodeReviewTieFailClosed}, got.ReasonCodes)
	})

	t.Run("no verdicts", func(t *testing.T) {
		got := RunReviewEnsemble(nil, EnsembleConfig{})

		assert.False(t, got.Passed)
		assert.Equal(t, uint8(0), got.Confidence)
		assert.Equal(t, []string{CodeReviewTieFailClosed}, got.ReasonCodes)
	})

	t.Run("zero weights", func(t *testing.T) {
		got := RunReviewEnsemble([]ReviewerVerdict{verdict(SpecialtyCorrectness, Approve, 90, 0)}, EnsembleConfig{})

		assert.False(t, got.Passed)
		assert.Equal(t, uint8(0), got.Confidence)
	})
}

func TestRunReviewEnsemble_BelowThresholdKeepsConfidence(t *testing.T) {
	got := RunReviewEnsemble([]ReviewerVerdict{
		verdict(SpecialtyCorrectness, Approve, 60, 100),
		verdict(SpecialtyMaintainability, Reject, 40, 100),
	}, EnsembleConfig{MinApprovalConfidence: 70})

	assert.False(t, got.Passed)
	assert.Equal(t, uint8(60), got.Confidence)
	assert.Equal(t, []string{CodeReviewBelowThreshold}, got.ReasonCodes)
}

func TestMissingMandatorySpecialties(t *testing.T) {
	assert.Equal(t,
		[]string{SpecialtyCorrectness, SpecialtySecurity, SpecialtyMaintainability},
		MissingMandatorySpecialties(nil))

	assert.Equal(t,
		[]string{SpecialtyMaintainability},
		MissingMandatorySpecialties([]ReviewerVerdict{
			verdict(SpecialtySecurity, Approve, 1, 1),
			verdict(SpecialtyCorrectness, Approve, 1, 1),
			verdict("performance", Approve, 1, 1),
		}))

	assert.Empty(t, MissingMandatorySpecialties([]ReviewerVerdict{
		verdict(SpecialtySecurity, Approve, 1, 1),
		verdict(SpecialtyCorrectness, Reject, 1, 1),
		verdict(SpecialtyMaintainability, Approve, 1, 1),
	}))
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("approve")
	require.NoError(t, err)
	assert.Equal(t, Approve, v)

	_, err = ParseVerdict("abstain")
	assert.ErrorIs(t, err, ErrUnknownVerdict)
}

func TestReviewerVerdict_Validate(t *testing.T) {
	assert.NoError(t, verdict(SpecialtySecurity, Approve, 100, 100).Validate())
	assert.Error(t, verdict("", Approve, 1, 1).Validate())
	assert.Error(t, verdict(SpecialtySecurity, "maybe", 1, 1).Validate())
	assert.Error(t, verdict(SpecialtySecurity, Approve, 101, 1).Validate())
}
