package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/receipts"
)

func baseAccepted() *receipts.Receipt {
	return &receipts.Receipt{
		TaskID:              "task-1",
		FromPrincipal:       "planner.x",
		ForPrincipal:        "worker.x",
		SourceSystem:        "gateway",
		RecipientAI:         "worker.x",
		TrustDomain:         "acme.internal",
		Phase:               receipts.PhaseAccepted,
		Status:              receipts.StatusNA,
		TaskType:            "codegen",
		TaskSummary:         "implement widget",
		EscalationClass:     receipts.EscalationNA,
		ArtifactPointer:     receipts.SentinelNA,
		ArtifactLocation:    receipts.SentinelNA,
		ArtifactMime:        receipts.SentinelNA,
		ArtifactChecksum:    receipts.SentinelNA,
	}
}

func TestValidate_AcceptedGoldenPath(t *testing.T) {
	v := NewValidator()
	errs := v.Validate(baseAccepted())
	assert.Empty(t, errs)
}

func TestValidate_AcceptedTBDSummaryRejected(t *testing.T) {
	r := baseAccepted()
	r.TaskSummary = "TBD"

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode("RCP-PHASE-accepted"))
}

func TestValidate_RoutingInvariant(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipts.PhaseEscalate
	r.Status = receipts.StatusNA
	r.EscalationClass = receipts.EscalationCapability
	r.EscalationReason = "needs GPU"
	r.EscalationTo = "fallback.y"
	r.RecipientAI = "a"
	r.CompletedAt = nil
	_ = now

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode("RCP-ROUTE-001"))
}

func TestValidate_RoutingInvariantSatisfied(t *testing.T) {
	r := baseAccepted()
	r.Phase = receipts.PhaseEscalate
	r.EscalationClass = receipts.EscalationCapability
	r.EscalationReason = "needs GPU"
	r.EscalationTo = "fallback.y"
	r.RecipientAI = "fallback.y"

	errs := NewValidator().Validate(r)
	assert.Empty(t, errs)
}

func TestValidate_CompleteRequiresArtifactFields(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipts.PhaseComplete
	r.Status = receipts.StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = receipts.OutcomeArtifactPointer
	r.ArtifactPointer = receipts.SentinelNA

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode("RCP-PHASE-complete"))
}

func TestValidate_CompleteWithArtifact(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipts.PhaseComplete
	r.Status = receipts.StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = receipts.OutcomeArtifactPointer
	r.ArtifactPointer = "pointer://a/b"
	r.ArtifactLocation = "s3://bucket/a/b"
	r.ArtifactMime = "application/octet-stream"
	r.ArtifactChecksum = "sha256:abc"
	r.ArtifactSizeBytes = 128

	errs := NewValidator().Validate(r)
	assert.Empty(t, errs)
}

func TestValidate_InputsSizeLimit(t *testing.T) {
	r := baseAccepted()
	big := make([]byte, receipts.MaxInputsBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	r.Inputs = append([]byte(`"`), append(big, '"')...)

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode(CodeSizeLimitExceeded))
}

func TestValidate_RetryCoherence(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipts.PhaseComplete
	r.Status = receipts.StatusFailure
	r.CompletedAt = &now
	r.OutcomeKind = receipts.OutcomeNone
	r.RetryRequested = true
	r.Attempt = 0

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode("RCP-RETRY-001"))
}

func TestValidate_ForbiddenSentinelInIdentity(t *testing.T) {
	r := baseAccepted()
	r.FromPrincipal = "NA"

	errs := NewValidator().Validate(r)
	require.NotEmpty(t, errs)
	assert.True(t, errs.HasCode("RCP-SENTINEL-001"))
}
