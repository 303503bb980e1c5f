package models

// Docstatus values of a payment entry.
const (
	DocstatusDraft     = 0
	DocstatusSubmitted = 1
	DocstatusCancelled = 2
)

// PaymentTypePay is the only payment type eligible for automated bank payout.
const PaymentTypePay = "Pay"

// RolePaymentAuthorizer gates the bulk pay-and-submit action.
const RolePaymentAuthorizer = "Online Payments Authorizer"

// PaymentEntry is the read model of a payment record. The record's lifecycle
// is owned by the accounting system; the gate reads it and requests the
// draft -> submitted transition.
type PaymentEntry struct {
	Name                  string `json:"name"`
	PaymentType           string `json:"payment_type"`
	Docstatus             int    `json:"docstatus"`
	IntegrationDoctype    string `json:"integration_doctype"`
	IntegrationDocname    string `json:"integration_docname"`
	MakeBankOnlinePayment bool   `json:"make_bank_online_payment"`
	AmendedFrom           string `json:"amended_from,omitempty"`
	Party                 string `json:"party,omitempty"`
	PaidAmount            int64  `json:"paid_amount,omitempty"`
}

// Payable reports whether the entry can be picked up for automated payment:
// integration configured, still a draft, and of type "Pay".
func (e *PaymentEntry) Payable() bool {
	return e.IntegrationDoctype != "" &&
		e.IntegrationDocname != "" &&
		e.Docstatus == DocstatusDraft &&
		e.PaymentType == PaymentTypePay
}
