// Package transport serves the operator API, the recipient-facing tracking
// endpoints and the provider webhook over chi.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// listBody is the shape of every unpaged collection response.
type listBody[T any] struct {
	Data []T `json:"data"`
}

// pageBody is listBody with the paging the caller asked for and the total
// number of matches.
type pageBody[T any] struct {
	Data       []T `json:"data"`
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

// WriteJSON encodes body with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError renders err as {"error": envelope}. Anything that is not an
// ErrorEnvelope is reported as a bare INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	WriteJSON(w, env.HTTPStatus(), errorBody{Error: env})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listBody[T]{Data: items})
}

// decodeJSON reads at most maxBodyBytes into dst. optional allows an empty
// body, which approve and reject accept.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	default:
		return model.NewBadRequestError("invalid JSON body")
	}
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}
