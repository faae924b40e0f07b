// Package validation implements the receipt validation pipeline: structural
// checks, forbidden-sentinel checks, phase invariants, the routing
// invariant, and retry coherence. Each stage is a short-circuit on a
// class-level fault; field-level faults within a stage are collected
// before the pipeline moves on, exactly as spec.md section 4.1 describes.
package validation

import (
	"github.com/PStryder/legivellum/internal/receipts"
)

// Validator runs the five-stage pipeline against a candidate receipt.
type Validator struct{}

// NewValidator returns a ready-to-use Validator. It holds no state; every
// rule is a pure function of the candidate receipt.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs the full pipeline. A non-empty Errors return means the
// receipt must not be appended. The zero-length return means the receipt
// is storable as-is (normalization, where needed, happens in the ledger
// layer: tenant stamping and stored_at assignment are the caller's
// responsibility, not the validator's).
func (v *Validator) Validate(r *receipts.Receipt) Errors {
	if errs := v.structural(r); len(errs) > 0 {
		return errs
	}
	if errs := v.sentinels(r); len(errs) > 0 {
		return errs
	}
	if errs := v.phaseInvariants(r); len(errs) > 0 {
		return errs
	}
	if errs := v.routing(r); len(errs) > 0 {
		return errs
	}
	return v.retryCoherence(r)
}

// structural checks required fields, enum membership, and size caps.
func (v *Validator) structural(r *receipts.Receipt) Errors {
	var errs Errors

	required := []struct {
		path  string
		value string
	}{
		{"task_id", r.TaskID},
		{"from_principal", r.FromPrincipal},
		{"for_principal", r.ForPrincipal},
		{"source_system", r.SourceSystem},
		{"recipient_ai", r.RecipientAI},
		{"trust_domain", r.TrustDomain},
		{"task_type", r.TaskType},
		{"task_summary", r.TaskSummary},
	}
	for _, f := range required {
		if f.value == "" {
			errs = append(errs, Error{
				Code: "RCP-STRUCT-001", Layer: LayerStructural, Path: f.path,
				Message: "required field is empty",
			})
		}
	}

	if !r.Phase.IsValid() {
		errs = append(errs, Error{
			Code: "RCP-STRUCT-010", Layer: LayerStructural, Path: "phase",
			Message: "phase must be one of accepted, complete, escalate",
		})
	}
	if r.Status != "" && !r.Status.IsValid() {
		errs = append(errs, Error{
			Code: "RCP-STRUCT-011", Layer: LayerStructural, Path: "status",
			Message: "status must be one of NA, success, failure, canceled",
		})
	}
	if r.OutcomeKind != "" && !r.OutcomeKind.IsValid() {
		errs = append(errs, Error{
			Code: "RCP-STRUCT-012", Layer: LayerStructural, Path: "outcome_kind",
			Message: "outcome_kind must be one of NA, none, response_text, artifact_pointer, mixed",
		})
	}
	if r.EscalationClass != "" && !r.EscalationClass.IsValid() {
		errs = append(errs, Error{
			Code: "RCP-STRUCT-013", Layer: LayerStructural, Path: "escalation_class",
			Message: "escalation_class must be one of NA, owner, capability, trust, policy, scope, other",
		})
	}

	if len(r.Inputs) > receipts.MaxInputsBytes {
		errs = append(errs, Error{
			Code: CodeSizeLimitExceeded, Layer: LayerStructural, Path: "inputs",
			Message: "inputs exceeds 64KB cap",
			Hint:    "move large payloads to the artifact store and reference them by pointer",
		})
	}
	if len(r.Metadata) > receipts.MaxMetadataBytes {
		errs = append(errs, Error{
			Code: CodeSizeLimitExceeded, Layer: LayerStructural, Path: "metadata",
			Message: "metadata exceeds 16KB cap",
		})
	}
	if len(r.TaskBody) > receipts.MaxTaskBodyBytes {
		errs = append(errs, Error{
			Code: CodeSizeLimitExceeded, Layer: LayerStructural, Path: "task_body",
			Message: "task_body exceeds 100KB cap",
		})
	}
	if len(r.OutcomeText) > receipts.MaxOutcomeTextBytes {
		errs = append(errs, Error{
			Code: CodeSizeLimitExceeded, Layer: LayerStructural, Path: "outcome_text",
			Message: "outcome_text exceeds 100KB cap",
		})
	}

	return errs
}

// sentinels rejects "NA"/"TBD" in identity and routing fields.
func (v *Validator) sentinels(r *receipts.Receipt) Errors {
	var errs Errors
	fields := []struct {
		path  string
		value string
	}{
		{"from_principal", r.FromPrincipal},
		{"for_principal", r.ForPrincipal},
		{"source_system", r.SourceSystem},
		{"recipient_ai", r.RecipientAI},
		{"trust_domain", r.TrustDomain},
	}
	for _, f := range fields {
		if receipts.IsForbiddenSentinel(f.value) {
			errs = append(errs, Error{
				Code: "RCP-SENTINEL-001", Layer: LayerSentinel, Path: f.path,
				Message: "identity/routing fields may not be \"NA\" or \"TBD\"",
			})
		}
	}
	// An accepted receipt's TBD summary is reported by the phase stage as
	// RCP-PHASE-accepted instead.
	if r.TaskSummary == receipts.SentinelTBD && r.Phase != receipts.PhaseAccepted {
		errs = append(errs, Error{
			Code: "RCP-SENTINEL-002", Layer: LayerSentinel, Path: "task_summary",
			Message: "task_summary may not be \"TBD\"",
		})
	}
	return errs
}

// phaseInvariants enforces the per-phase rules from spec.md section 3.
func (v *Validator) phaseInvariants(r *receipts.Receipt) Errors {
	var errs Errors

	switch r.Phase {
	case receipts.PhaseAccepted:
		if r.Status != receipts.StatusNA {
			errs = append(errs, perr("RCP-PHASE-accepted", "status", "accepted receipts must have status=NA"))
		}
		if r.CompletedAt != nil {
			errs = append(errs, perr("RCP-PHASE-accepted", "completed_at", "accepted receipts must not set completed_at"))
		}
		if r.TaskSummary == receipts.SentinelTBD {
			errs = append(errs, perr("RCP-PHASE-accepted", "task_summary", "task_summary must not be \"TBD\""))
		}
		if !allArtifactFieldsNA(r) {
			errs = append(errs, perr("RCP-PHASE-accepted", "artifact_pointer", "artifact fields must be \"NA\" on accepted receipts"))
		}
		if r.EscalationClass != receipts.EscalationNA {
			errs = append(errs, perr("RCP-PHASE-accepted", "escalation_class", "accepted receipts must have escalation_class=NA"))
		}
		if r.EscalationTo != "" && r.EscalationTo != receipts.SentinelNA {
			errs = append(errs, perr("RCP-PHASE-accepted", "escalation_to", "accepted receipts must have escalation_to=NA"))
		}
		if r.RetryRequested {
			errs = append(errs, perr("RCP-PHASE-accepted", "retry_requested", "accepted receipts must have retry_requested=false"))
		}

	case receipts.PhaseComplete:
		switch r.Status {
		case receipts.StatusSuccess, receipts.StatusFailure, receipts.StatusCanceled:
		default:
			errs = append(errs, perr("RCP-PHASE-complete", "status", "complete receipts require status in {success, failure, canceled}"))
		}
		if r.CompletedAt == nil {
			errs = append(errs, perr("RCP-PHASE-complete", "completed_at", "complete receipts require a valid completed_at timestamp"))
		}
		if !r.OutcomeKind.IsValid() || r.OutcomeKind == receipts.OutcomeNA {
			errs = append(errs, perr("RCP-PHASE-complete", "outcome_kind", "complete receipts require outcome_kind in {none, response_text, artifact_pointer, mixed}"))
		}
		if r.EscalationClass != receipts.EscalationNA {
			errs = append(errs, perr("RCP-PHASE-complete", "escalation_class", "complete receipts must have escalation_class=NA"))
		}
		if r.OutcomeKind.HasArtifact() {
			if r.ArtifactPointer == "" || r.ArtifactPointer == receipts.SentinelNA ||
				r.ArtifactLocation == "" || r.ArtifactLocation == receipts.SentinelNA ||
				r.ArtifactMime == "" || r.ArtifactMime == receipts.SentinelNA ||
				r.ArtifactChecksum == "" || r.ArtifactChecksum == receipts.SentinelNA {
				errs = append(errs, perr("RCP-PHASE-complete", "artifact_pointer", "artifact_pointer/location/mime/checksum must be set when outcome_kind requires an artifact"))
			}
		}

	case receipts.PhaseEscalate:
		if r.Status != receipts.StatusNA {
			errs = append(errs, perr("RCP-PHASE-escalate", "status", "escalate receipts must have status=NA"))
		}
		if r.EscalationClass == receipts.EscalationNA {
			errs = append(errs, perr("RCP-PHASE-escalate", "escalation_class", "escalate receipts require a non-NA escalation_class"))
		}
		if r.EscalationReason == "" || r.EscalationReason == receipts.SentinelTBD {
			errs = append(errs, perr("RCP-PHASE-escalate", "escalation_reason", "escalation_reason must be set and not \"TBD\""))
		}
		if r.EscalationTo == "" || r.EscalationTo == receipts.SentinelNA {
			errs = append(errs, perr("RCP-PHASE-escalate", "escalation_to", "escalation_to must not be \"NA\""))
		}
	}

	return errs
}

// routing enforces that, for escalate receipts, recipient_ai equals
// escalation_to. It runs after phase rules because it is a cross-field
// rule, not a per-field constraint (spec.md section 4.1 step 4).
func (v *Validator) routing(r *receipts.Receipt) Errors {
	if r.Phase != receipts.PhaseEscalate {
		return nil
	}
	if r.RecipientAI != r.EscalationTo {
		return Errors{{
			Code: "RCP-ROUTE-001", Layer: LayerRouting, Path: "recipient_ai",
			Message: "recipient_ai must equal escalation_to on escalate receipts",
			Hint:    "route the escalation to the same principal named in escalation_to",
		}}
	}
	return nil
}

// retryCoherence enforces retry_requested => attempt >= 1.
func (v *Validator) retryCoherence(r *receipts.Receipt) Errors {
	if r.RetryRequested && r.Attempt < 1 {
		return Errors{{
			Code: "RCP-RETRY-001", Layer: LayerRetry, Path: "attempt",
			Message: "attempt must be >= 1 when retry_requested is true",
		}}
	}
	return nil
}

func allArtifactFieldsNA(r *receipts.Receipt) bool {
	na := func(s string) bool { return s == "" || s == receipts.SentinelNA }
	return na(r.ArtifactPointer) && na(r.ArtifactLocation) && na(r.ArtifactMime) && na(r.ArtifactChecksum) && r.ArtifactSizeBytes == 0
}

func perr(code, path, msg string) Error {
	return Error{Code: code, Layer: LayerPhase, Path: path, Message: msg}
}
