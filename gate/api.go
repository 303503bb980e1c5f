package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/alovak/payout-gate/internal/realtime"
	"github.com/go-chi/chi/v5"
)

// userHeader identifies the caller. Session management is external; a
// fronting proxy is expected to set this after authenticating the user.
const userHeader = "X-Gate-User"

// API is a HTTP API for the payout gate service
type API struct {
	gate   *Service
	broker *realtime.Broker
}

func NewAPI(gate *Service, broker *realtime.Broker) *API {
	return &API{
		gate:   gate,
		broker: broker,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/otp", a.generateOTP)
		r.Post("/verify", a.verifyAuthenticator)
		// legacy single-method variant
		r.Post("/verify-otp", a.verifyOTP)
	})
	r.Route("/payment-entries", func(r chi.Router) {
		r.Get("/", a.listPaymentEntries)
		r.Post("/bulk-submit", a.bulkPayAndSubmit)
		r.Get("/{name}/value/{field}", a.fetchValue)
	})
	r.Get("/tasks/{taskID}/events", a.taskEvents)
}

func requestUser(r *http.Request) string {
	return r.Header.Get(userHeader)
}

func (a *API) generateOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentEntries []string `json:"payment_entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.PaymentEntries) == 0 {
		http.Error(w, "payment_entries is required", http.StatusBadRequest)
		return
	}

	result, err := a.gate.GenerateOTP(r.Context(), requestUser(r), body.PaymentEntries)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result == nil {
		// Silent refusal: the caller shows nothing.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

func (a *API) verifyAuthenticator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Authenticator string `json:"authenticator"`
		AuthID        string `json:"auth_id"`
		// IsPassword is accepted for UX parity with older clients; the
		// session already knows its method.
		IsPassword bool `json:"is_password,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.AuthID == "" {
		http.Error(w, "auth_id is required", http.StatusBadRequest)
		return
	}

	verdict, err := a.gate.VerifyAuthenticator(r.Context(), body.Authenticator, body.AuthID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(verdict)
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP    string `json:"otp"`
		AuthID string `json:"auth_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.AuthID == "" {
		http.Error(w, "auth_id is required", http.StatusBadRequest)
		return
	}

	verdict, err := a.gate.VerifyOTP(r.Context(), body.OTP, body.AuthID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(verdict)
}

func (a *API) bulkPayAndSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthID            string   `json:"auth_id"`
		Docnames          []string `json:"docnames"`
		MarkOnlinePayment bool     `json:"mark_online_payment"`
		TaskID            string   `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.AuthID == "" || len(body.Docnames) == 0 {
		http.Error(w, "auth_id and docnames are required", http.StatusBadRequest)
		return
	}

	failed, err := a.gate.BulkPayAndSubmit(r.Context(), requestUser(r), body.AuthID,
		body.Docnames, body.MarkOnlinePayment, body.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotAuthorized):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, ErrBatchTooLarge):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	if failed == nil {
		failed = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(failed)
}

// listPaymentEntries serves the list-view read model.
func (a *API) listPaymentEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := a.gate.repo.ListPaymentEntries(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.PaymentEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(entries)
}

// fetchValue is the single-field read contract. The amendment guard uses it
// to resolve make_bank_online_payment of an amendment source.
func (a *API) fetchValue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	field := chi.URLParam(r, "field")

	entry, err := a.gate.repo.GetPaymentEntry(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	var value any
	switch field {
	case "make_bank_online_payment":
		value = entry.MakeBankOnlinePayment
	case "docstatus":
		value = entry.Docstatus
	case "payment_type":
		value = entry.PaymentType
	case "amended_from":
		value = entry.AmendedFrom
	default:
		http.Error(w, fmt.Sprintf("field %q is not readable", field), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Value any `json:"value"`
	}{value})
}

// taskEvents streams task progress as server-sent events until the client
// disconnects or the task is retired.
func (a *API) taskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := a.broker.Subscribe(taskID)
	defer a.broker.Unsubscribe(taskID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
