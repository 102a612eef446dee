// Package handlers provides the HTTP handlers of the PAS gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/infrastructure/objectstore"
	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/pipeline"
)

const contentTypeFHIR = "application/fhir+json"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// badRequestError marks a malformed request body or parameter.
type badRequestError struct {
	msg   string
	field string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// decodeJSON decodes r's body into v and validates its struct tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest("invalid request body: %v", err)
	}
	return validateStruct(v)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &badRequestError{
			msg:   fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()),
			field: fe.Field(),
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeFHIR)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		bad      *badRequestError
		rejected *pipeline.RejectedError
		state    *priorauth.StateError
		tooLarge *http.MaxBytesError
		perm     interface{ Permanent() bool }
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, priorauth.ErrNotFound),
		errors.Is(err, objectstore.ErrObjectNotFound),
		errors.Is(err, errUnknownService):
		return http.StatusNotFound
	case errors.Is(err, priorauth.ErrConcurrentModification),
		errors.Is(err, sla.ErrAlreadyDecided),
		errors.Is(err, sla.ErrAlreadyExtended),
		errors.Is(err, sla.ErrExtensionNotAllowed),
		errors.As(err, &state):
		return http.StatusConflict
	case errors.As(err, &perm) && perm.Permanent():
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// outcomeFor renders err as an OperationOutcome. Validation failures list
// one issue per problem.
func outcomeFor(err error, status int) *fhir.OperationOutcome {
	if status == http.StatusInternalServerError {
		return fhir.NewErrorOutcome("exception", "internal server error")
	}

	var rejected *pipeline.RejectedError
	if errors.As(err, &rejected) {
		issues := make([]fhir.OperationOutcomeIssue, 0, len(rejected.Result.Errors))
		for _, ve := range rejected.Result.Errors {
			issues = append(issues, fhir.OperationOutcomeIssue{
				Severity:    "error",
				Code:        "invalid",
				Diagnostics: ve.Error(),
				Expression:  []string{ve.Field},
			})
		}
		return fhir.NewOperationOutcome(issues...)
	}

	code := "processing"
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		code = "invalid"
	case http.StatusNotFound:
		code = "not-found"
	case http.StatusConflict:
		code = "conflict"
	}
	oo := fhir.NewErrorOutcome(code, err.Error())
	var bad *badRequestError
	if errors.As(err, &bad) && bad.field != "" {
		oo.Issue[0].Expression = []string{bad.field}
	}
	return oo
}

// writeError logs server faults and writes an OperationOutcome.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	writeFHIR(w, status, outcomeFor(err, status))
}
