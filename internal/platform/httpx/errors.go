package httpx

import (
	"errors"
	"net/http"
)

// ErrorRule renders errors matching Target (via errors.Is) as a problem with
// the given status and title.
type ErrorRule struct {
	Target error
	Status int
	Title  string
}

// ErrorMapper turns domain errors into RFC7807 responses using the first
// matching rule. Detail, when set, chooses the message shown to the client.
type ErrorMapper struct {
	Rules  []ErrorRule
	Detail func(error) string
}

// Respond writes the problem for err and reports whether a rule matched.
// Unmatched errors are left to the caller.
func (m ErrorMapper) Respond(w http.ResponseWriter, err error) bool {
	for _, rule := range m.Rules {
		if !errors.Is(err, rule.Target) {
			continue
		}
		detail := err.Error()
		if m.Detail != nil {
			detail = m.Detail(err)
		}
		Problem(w, rule.Status, rule.Title, detail)
		return true
	}
	return false
}

// RespondError writes a 500 problem without leaking the error message.
func RespondError(w http.ResponseWriter, _ error) {
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
