package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dsalaberry/turnero/internal/models"
)

// listConversationsHandler handles GET /api/conversations?state=active.
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	state := models.ConversationState(r.URL.Query().Get("state"))
	switch state {
	case "", models.ConversationStateActive, models.ConversationStatePaused, models.ConversationStateClosed:
	default:
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid conversation state"))
		return
	}
	conversations, err := s.st.ListConversations(state)
	if err != nil {
		slog.Error("listConversationsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(conversations))
}

// setConversationStateHandler builds the handler for the pause, resume and
// close endpoints. This is the operator's takeover/handback switch.
func (s *Server) setConversationStateHandler(state models.ConversationState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.st.SetConversationState(id, state); err != nil {
			slog.Warn("setConversationStateHandler failed", "error", err, "id", id, "state", state)
			writeJSONResponse(w, http.StatusNotFound, errorResponse("Conversation not found"))
			return
		}
		slog.Info("Conversation state changed by operator", "id", id, "state", state)
		writeJSONResponse(w, http.StatusOK, okResponse(map[string]any{"id": id, "state": state}))
	}
}

// listContactsHandler handles GET /api/contacts.
func (s *Server) listContactsHandler(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.st.ListContacts()
	if err != nil {
		slog.Error("listContactsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to list contacts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(contacts))
}

// saveContactHandler handles PUT /api/contacts/{phone}: operators fill in
// name, DNI, status and tags from the dashboard.
func (s *Server) saveContactHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.msg.ValidateAndCanonicalizeRecipient(chi.URLParam(r, "phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid phone number: "+err.Error()))
		return
	}
	var c models.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		slog.Warn("saveContactHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid JSON format"))
		return
	}
	c.Phone = phone
	if c.Status == "" {
		c.Status = models.ContactStatusPending
	}
	if err := s.st.SaveContact(c); err != nil {
		slog.Error("saveContactHandler save failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to save contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(c))
}

// contactMessagesHandler handles GET /api/contacts/{phone}/messages?limit=50.
func (s *Server) contactMessagesHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.msg.ValidateAndCanonicalizeRecipient(chi.URLParam(r, "phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid phone number: "+err.Error()))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid limit"))
			return
		}
	}
	messages, err := s.st.MessagesByPhone(phone, limit)
	if err != nil {
		slog.Error("contactMessagesHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(messages))
}

// listAppointmentsHandler handles GET /api/appointments?status=pending.
func (s *Server) listAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.AppointmentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.AppointmentStatusPending, models.AppointmentStatusConfirmed, models.AppointmentStatusCancelled:
	default:
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid appointment status"))
		return
	}
	appointments, err := s.st.ListAppointments(status)
	if err != nil {
		slog.Error("listAppointmentsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to list appointments"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(appointments))
}

// setAppointmentStatusHandler handles POST /api/appointments/{id}/status.
func (s *Server) setAppointmentStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status models.AppointmentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid JSON format"))
		return
	}
	switch req.Status {
	case models.AppointmentStatusPending, models.AppointmentStatusConfirmed, models.AppointmentStatusCancelled:
	default:
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid appointment status"))
		return
	}
	if err := s.st.SetAppointmentStatus(id, req.Status); err != nil {
		slog.Warn("setAppointmentStatusHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Appointment not found"))
		return
	}
	slog.Info("Appointment status changed", "id", id, "status", req.Status)
	writeJSONResponse(w, http.StatusOK, okResponse(map[string]any{"id": id, "status": req.Status}))
}

// getSettingHandler handles GET /api/settings/{key}.
func (s *Server) getSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !validSettingKey(key) {
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Unknown setting"))
		return
	}
	var raw json.RawMessage
	found, err := s.st.GetSetting(key, &raw)
	if err != nil {
		slog.Error("getSettingHandler failed", "error", err, "key", key)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to load setting"))
		return
	}
	if !found {
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Setting not configured"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(raw))
}

// putSettingHandler handles PUT /api/settings/{key}. The body is decoded into
// the concrete settings type so malformed configuration never reaches the
// engine.
func (s *Server) putSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value any
	switch key {
	case models.SettingBusinessHours:
		var hours models.BusinessHours
		if err := json.NewDecoder(r.Body).Decode(&hours); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid business hours payload"))
			return
		}
		value = hours
	case models.SettingPaymentConfig:
		var payment models.PaymentConfig
		if err := json.NewDecoder(r.Body).Decode(&payment); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid payment config payload"))
			return
		}
		value = payment
	default:
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Unknown setting"))
		return
	}
	if err := s.st.SetSetting(key, value); err != nil {
		slog.Error("putSettingHandler failed", "error", err, "key", key)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to save setting"))
		return
	}
	slog.Info("Setting updated", "key", key)
	writeJSONResponse(w, http.StatusOK, okResponse(value))
}

func validSettingKey(key string) bool {
	return key == models.SettingBusinessHours || key == models.SettingPaymentConfig
}
