package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/validation"
)

// structValidator checks the struct-tag-level shape of request bodies
// (required fields, enum membership) before a handler ever calls into
// internal/validation, which owns the receipt-specific sentinel/phase
// rules struct tags can't express.
var structValidator = validator.New()

// validateStruct runs structValidator against v and translates any
// failure into a KindValidation *apperr.Error with one entry per
// offending field.
func validateStruct(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}

	fieldErrs := make(validation.Errors, 0, len(verrs))
	for _, fe := range verrs {
		fieldErrs = append(fieldErrs, validation.Error{
			Code:    "RCP-STRUCT-FIELD",
			Layer:   validation.LayerStructural,
			Path:    fe.Field(),
			Message: fe.Tag() + " constraint failed",
		})
	}
	return apperr.FromValidation(fieldErrs)
}

// errorResponse is the JSON body every non-2xx response carries.
type errorResponse struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Errors  []errorResponseDetail  `json:"errors,omitempty"`
}

type errorResponseDetail struct {
	Code    string `json:"code"`
	Layer   string `json:"layer"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// statusForKind maps the closed apperr.Kind taxonomy to an HTTP status,
// per spec.md section 7. An identical replay never reaches writeError:
// the ledger returns it as a success and the handler answers it like any
// other append — so an *apperr.Error of KindDuplicate here always means a
// genuine conflict.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindSizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case apperr.KindDuplicate:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindLeaseExpired, apperr.KindLeaseNotOwned, apperr.KindLeaseReleased:
		return http.StatusConflict
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindTenantUnresolved:
		return http.StatusForbidden
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the JSON error envelope. Any error that is
// not (or does not wrap) an *apperr.Error is treated as KindInternal —
// the transport never guesses at an unfamiliar error's meaning.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(apperr.KindInternal, err, "unhandled error")
	}

	resp := errorResponse{Kind: string(appErr.Kind), Message: appErr.Message}
	for _, e := range appErr.Errs {
		resp.Errors = append(resp.Errors, errorResponseDetail{
			Code: e.Code, Layer: string(e.Layer), Path: e.Path, Message: e.Message, Hint: e.Hint,
		})
	}

	writeJSON(w, statusForKind(appErr.Kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "malformed request body")
	}
	return nil
}
