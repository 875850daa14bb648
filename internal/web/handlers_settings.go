package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/finimport/internal/settings"
)

type settingBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleGetSetting returns a setting as a string, the default when unset.
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	k, err := settings.Lookup(key)
	if err != nil {
		fail(w, r, err)
		return
	}

	v, err := k.GetString(r.Context(), s.store, userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, settingBody{Key: key, Value: v})
}

// handlePutSetting stores a setting after parsing it with the key's type.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	k, err := settings.Lookup(key)
	if err != nil {
		fail(w, r, err)
		return
	}

	var body settingBody
	if err := decodeBody(w, r, maxJSONBody, &body); err != nil {
		fail(w, r, err)
		return
	}

	if err := k.SetString(r.Context(), s.store, userID(r), body.Value); err != nil {
		fail(w, r, err)
		return
	}

	v, err := k.GetString(r.Context(), s.store, userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, settingBody{Key: key, Value: v})
}
