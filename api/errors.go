package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dbogatov/car-ledger/ledger"
)

// Error codes outside the ledger taxonomy.
const (
	CodeBadJSON      = "BAD_JSON"
	CodeMissingField = "MISSING_FIELD"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL"
)

type failure struct {
	status int
	code   string
}

var failures = map[ledger.Kind]failure{
	ledger.KindRoleResolution:       {http.StatusPreconditionFailed, "ROLE_RESOLUTION"},
	ledger.KindAuthorization:        {http.StatusForbidden, "NOT_AUTHORIZED"},
	ledger.KindContractViolation:    {http.StatusUnprocessableEntity, "CONTRACT_VIOLATION"},
	ledger.KindCounterpartyRejected: {http.StatusFailedDependency, "COUNTERPARTY_REJECTED"},
	ledger.KindUniquenessConflict:   {http.StatusConflict, "UNIQUENESS_CONFLICT"},
	ledger.KindArbiterUnavailable:   {http.StatusServiceUnavailable, "ARBITER_UNAVAILABLE"},
	ledger.KindTransport:            {http.StatusBadGateway, "TRANSPORT_ERROR"},
	ledger.KindPersistence:          {http.StatusInsufficientStorage, "PERSISTENCE_ERROR"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string, rule string) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if rule != "" {
		body["rule"] = rule
	}
	writeJSON(w, status, map[string]any{"error": body})
}

// writeLedgerError maps an error of the ledger taxonomy onto a response.
// Causes stay in the log: they can name instances and sessions.
func writeLedgerError(w http.ResponseWriter, e error) {
	known, exists := failures[ledger.KindOf(e)]
	if !exists {
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", "")
		return
	}
	writeError(w, known.status, known.code, publicMessage(e), ledger.RuleOf(e))
}

// publicMessage describes a structured error by kind, party and rule only.
func publicMessage(e error) string {
	var structured *ledger.Error
	if !errors.As(e, &structured) {
		return "internal error"
	}

	message := string(structured.Kind)
	if structured.Party != "" {
		message += " (" + structured.Party + ")"
	}
	if structured.Rule != "" {
		message += " [" + structured.Rule + "]"
	}
	return message
}
