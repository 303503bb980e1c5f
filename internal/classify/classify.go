// Package classify partitions a payment-entry selection by eligibility for
// automated bank payout.
package classify

import "github.com/alovak/payout-gate/gate/models"

// Ineligibility reasons, in priority order.
const (
	ReasonIntegrationMissing = "Integration missing"
	ReasonNotSubmittable     = "Not Submittable"
	ReasonNotPayable         = "Not Payable"
)

// Ineligible names an entry that cannot be paid, with the reason.
type Ineligible struct {
	Name   string
	Reason string
}

// Result splits a selection into three disjoint buckets. Every input entry
// lands in exactly one, input order preserved.
type Result struct {
	Marked     []string
	Unmarked   []string
	Ineligible []Ineligible
}

// HasEligible reports whether anything in the selection can be paid at all.
func (r Result) HasEligible() bool {
	return len(r.Marked) > 0 || len(r.Unmarked) > 0
}

// Partition classifies each entry: payable entries split on the
// make_bank_online_payment flag, the rest get an ineligibility reason.
func Partition(entries []models.PaymentEntry) Result {
	var res Result
	for i := range entries {
		e := &entries[i]
		if e.Payable() {
			if e.MakeBankOnlinePayment {
				res.Marked = append(res.Marked, e.Name)
			} else {
				res.Unmarked = append(res.Unmarked, e.Name)
			}
			continue
		}
		res.Ineligible = append(res.Ineligible, Ineligible{Name: e.Name, Reason: reason(e)})
	}
	return res
}

func reason(e *models.PaymentEntry) string {
	switch {
	case e.IntegrationDoctype == "" || e.IntegrationDocname == "":
		return ReasonIntegrationMissing
	case e.Docstatus != models.DocstatusDraft:
		return ReasonNotSubmittable
	default:
		return ReasonNotPayable
	}
}
