// Package amendguard locks payout-affecting fields on an amended payment
// entry when its source entry was already processed for automated payment.
// Changing payout data on such an amendment would bypass the authorization
// the original payout went through.
package amendguard

import (
	"context"
	"fmt"

	"github.com/alovak/payout-gate/gate/models"
)

// Onload payload keys. The server can precompute the already-paid flag and
// the integration's extension fields and stash them on the form's load
// payload; the guard falls back to a fetch when they are absent.
const (
	OnloadAlreadyPaid     = "is_already_paid"
	OnloadExtensionFields = "payment_integration_fields"
)

// paymentFields are always locked on a paid amendment, independent of which
// integration produced the payout.
var paymentFields = []string{
	// Common
	"payment_type",
	"bank_account",
	// Party
	"party",
	"party_type",
	"party_name",
	"party_bank_account",
	"party_bank_account_no",
	"party_bank_ifsc",
	"party_upi_id",
	"contact_person",
	"contact_mobile",
	"contact_email",
	// Integration
	"integration_doctype",
	"integration_docname",
	// Payment
	"paid_amount",
	"make_bank_online_payment",
	"payment_transfer_method",
	"reference_no",
}

// Fetcher reads a single field of a record, matching the gate's
// fetch(doctype, docname, field) contract.
type Fetcher interface {
	Value(ctx context.Context, doctype, docname, field string) (any, error)
}

// Form is the client-side view of the entry being edited.
type Form struct {
	Name        string
	AmendedFrom string
	Docstatus   int
	Onload      map[string]any
}

// Decision is the guard's outcome: which fields to toggle and in which
// direction. Fields is empty when the guard does not apply.
type Decision struct {
	Fields   []string
	ReadOnly bool
}

// Apply decides field access for an amendment. It prefers the precomputed
// onload flag and only fetches the source entry's make_bank_online_payment
// when the flag is absent.
func Apply(ctx context.Context, form Form, fetch Fetcher) (Decision, error) {
	if form.AmendedFrom == "" || form.Docstatus == models.DocstatusCancelled {
		return Decision{}, nil
	}

	isPaid, ok := onloadBool(form.Onload, OnloadAlreadyPaid)
	if !ok {
		if fetch == nil {
			return Decision{}, fmt.Errorf("no precomputed paid flag and no fetcher")
		}
		v, err := fetch.Value(ctx, "Payment Entry", form.AmendedFrom, "make_bank_online_payment")
		if err != nil {
			return Decision{}, fmt.Errorf("fetching amendment source: %w", err)
		}
		isPaid = asBool(v)
	}

	fields := make([]string, 0, len(paymentFields))
	fields = append(fields, paymentFields...)
	fields = append(fields, onloadStrings(form.Onload, OnloadExtensionFields)...)

	return Decision{Fields: fields, ReadOnly: isPaid}, nil
}

func onloadBool(onload map[string]any, key string) (bool, bool) {
	if onload == nil {
		return false, false
	}
	v, ok := onload[key]
	if !ok {
		return false, false
	}
	return asBool(v), true
}

func onloadStrings(onload map[string]any, key string) []string {
	if onload == nil {
		return nil
	}
	switch v := onload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}
