package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/relay/internal/chat"
)

type loginRequest struct {
	Role     string `json:"role"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := chat.ParseRole(req.Role)
	if err != nil {
		Error(w, http.StatusBadRequest, "unknown role")
		return
	}

	token, err := h.svc.Login(r.Context(), chi.URLParam(r, "chatID"), role, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, loginResponse{Token: token})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Logout(chi.URLParam(r, "chatID"), role, token); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	credentials
	Text       string           `json:"text"`
	Attachment *chat.Attachment `json:"attachment"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payload := chat.Payload{Text: req.Text, Attachment: req.Attachment}
	msg, err := h.svc.Send(r.Context(), chi.URLParam(r, "chatID"), role, token, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// fetch lists the chat. ?viewer= names the reading role and ?active=true
// marks the trailing message as seen by it.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer, err := chat.ParseRole(q.Get("viewer"))
	if err != nil {
		Error(w, http.StatusBadRequest, "unknown viewer role")
		return
	}
	active := false
	if v := q.Get("active"); v != "" {
		if active, err = strconv.ParseBool(v); err != nil {
			Error(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
	}

	msgs, err := h.svc.FetchAndMarkSeen(chi.URLParam(r, "chatID"), viewer, active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	JSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

type seenRequest struct {
	credentials
	Seq int64 `json:"seq"`
}

func (h *Handler) markSeen(w http.ResponseWriter, r *http.Request) {
	var req seenRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	changed, err := h.svc.MarkSeen(chi.URLParam(r, "chatID"), role, token, req.Seq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Heartbeat(chi.URLParam(r, "chatID"), role, token); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type serviceStatus struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Sockets  int    `json:"sockets"`
}

func (h *Handler) serviceStatus(w http.ResponseWriter, r *http.Request) {
	out := serviceStatus{Status: "running", Sessions: h.svc.Sessions()}
	if h.sockets != nil {
		out.Sockets = h.sockets.Connections().Count()
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.svc.Status(chi.URLParam(r, "chatID")))
}

type typingRequest struct {
	credentials
	Text string `json:"text"`
}

func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.SetTyping(r.Context(), chi.URLParam(r, "chatID"), role, token, req.Text); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getTyping(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.svc.GetTyping(chi.URLParam(r, "chatID")))
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, token, err := req.resolve(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dropped, err := h.svc.ClearChat(chi.URLParam(r, "chatID"), role, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}
