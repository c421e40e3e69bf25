package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/relay"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps a relay error onto an HTTP status. Unauthorized errors
// never say which part of the credentials was wrong.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch relay.KindOf(err) {
	case relay.KindUnauthorized:
		Error(w, http.StatusUnauthorized, "unauthorized")
	case relay.KindValidation:
		Error(w, http.StatusBadRequest, reason(err))
	case relay.KindNotFound:
		Error(w, http.StatusNotFound, "not found")
	case relay.KindRejected:
		switch {
		case errors.Is(err, relay.ErrRateLimited):
			w.Header().Set("Retry-After", strconv.Itoa(relay.RetryAfterSeconds(err)))
			Error(w, http.StatusTooManyRequests, relay.ReasonRateLimited)
		case errors.Is(err, relay.ErrBadPassword):
			Error(w, http.StatusForbidden, relay.ReasonBadPassword)
		default:
			Error(w, http.StatusConflict, reason(err))
		}
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func reason(err error) string {
	var re *relay.Error
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	return err.Error()
}

// credentials is the common part of participant requests.
type credentials struct {
	Role  string `json:"role"`
	Token string `json:"token"`
}

// decode reads the JSON body into v. The token header fills in a missing
// body token.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &relay.Error{Kind: relay.KindValidation, Reason: "malformed request body", Err: err}
	}
	return nil
}

// resolve parses the role and picks the token from body or header.
func (c credentials) resolve(r *http.Request) (chat.Role, string, error) {
	role, err := chat.ParseRole(c.Role)
	if err != nil {
		return "", "", &relay.Error{Kind: relay.KindValidation, Reason: "unknown role", Err: err}
	}
	token := c.Token
	if token == "" {
		token = r.Header.Get(TokenHeader)
	}
	return role, token, nil
}

// clientIP returns the request's remote IP; RealIP middleware has already
// applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
