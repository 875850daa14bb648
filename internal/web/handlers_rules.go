package web

import (
	"net/http"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/rules"
)

// handleListRules returns the caller's rules in evaluation order.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.rules.List(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, r, list)
}

// handleCreateRule creates a rule. Invalid patterns are rejected here even
// though the engine would tolerate them.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in ledger.RuleInput
	if err := decodeBody(w, r, maxJSONBody, &in); err != nil {
		fail(w, r, err)
		return
	}

	rule, err := s.rules.Create(WithRequestMetadata(r.Context(), r), userID(r), in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, rule)
}

// handleUpdateRule replaces a rule's editable fields.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "ruleID")
	if err != nil {
		fail(w, r, err)
		return
	}

	var in ledger.RuleInput
	if err := decodeBody(w, r, maxJSONBody, &in); err != nil {
		fail(w, r, err)
		return
	}

	rule, err := s.rules.Update(WithRequestMetadata(r.Context(), r), userID(r), id, in)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, rule)
}

// handleDeleteRule removes a rule.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "ruleID")
	if err != nil {
		fail(w, r, err)
		return
	}

	if err := s.rules.Delete(WithRequestMetadata(r.Context(), r), userID(r), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleTestRequest struct {
	Description  string            `json:"description"`
	Counterparty string            `json:"counterparty"`
	Rule         *ledger.RuleInput `json:"rule,omitempty"`
}

// handleTestRules is a dry run: which rule, if any, would categorize the text.
func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	var req ruleTestRequest
	if err := decodeBody(w, r, maxJSONBody, &req); err != nil {
		fail(w, r, err)
		return
	}

	res, err := s.rules.Test(r.Context(), userID(r), rules.Input{
		Description:  req.Description,
		Counterparty: req.Counterparty,
	}, req.Rule)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, res)
}
