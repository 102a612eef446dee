package r4

import "github.com/shopspring/decimal"

// Outcome is the coarse processing result of a ClaimResponse.
type Outcome string

const (
	OutcomeQueued   Outcome = "queued"
	OutcomeComplete Outcome = "complete"
	OutcomeError    Outcome = "error"
	OutcomePartial  Outcome = "partial"
)

// Valid reports whether o is a ClaimResponse.outcome code.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeQueued, OutcomeComplete, OutcomeError, OutcomePartial:
		return true
	}
	return false
}

// Adjudication categories
const (
	AdjudicationSubmitted = "submitted"
	AdjudicationEligible  = "eligible"
)

// ClaimResponse represents a payer's decision on a prior-authorization Claim.
type ClaimResponse struct {
	ResourceType  string              `json:"resourceType"`
	ID            string              `json:"id,omitempty"`
	Meta          *Meta               `json:"meta,omitempty"`
	Extension     []Extension         `json:"extension,omitempty"`
	Identifier    []Identifier        `json:"identifier,omitempty"`
	Status        string              `json:"status"`
	Type          CodeableConcept     `json:"type"`
	Use           string              `json:"use"`
	Patient       Reference           `json:"patient"`
	Created       string              `json:"created,omitempty"`
	Insurer       *Reference          `json:"insurer,omitempty"`
	Requestor     *Reference          `json:"requestor,omitempty"`
	Request       *Reference          `json:"request,omitempty"`
	Outcome       Outcome             `json:"outcome"`
	Disposition   string              `json:"disposition,omitempty"`
	PreAuthRef    string              `json:"preAuthRef,omitempty"`
	PreAuthPeriod *Period             `json:"preAuthPeriod,omitempty"`
	Item          []ClaimResponseItem `json:"item,omitempty"`
}

// ClaimResponseItem is the decision for one requested item.
type ClaimResponseItem struct {
	Extension    []Extension    `json:"extension,omitempty"`
	ItemSequence int            `json:"itemSequence"`
	Adjudication []Adjudication `json:"adjudication"`
}

// Adjudication is one adjudication detail of an item.
type Adjudication struct {
	Category CodeableConcept  `json:"category"`
	Reason   *CodeableConcept `json:"reason,omitempty"`
	Value    *Decimal         `json:"value,omitempty"`
}

// GetReviewAction returns the PAS reviewAction extension, if present.
func (c *ClaimResponse) GetReviewAction() *Extension {
	return FindExtension(c.Extension, ExtReviewAction)
}

// GetReviewActionCode returns the X12 HCR01 code carried in the reviewAction extension.
func (c *ClaimResponse) GetReviewActionCode() string {
	return reviewActionCode(c.GetReviewAction())
}

// GetReasonCode returns the X12 HCR03 reason code carried in the reviewAction extension.
func (c *ClaimResponse) GetReasonCode() string {
	return reviewActionReason(c.GetReviewAction())
}

// GetReviewActionCode returns the item-level HCR01 code, if present.
func (i *ClaimResponseItem) GetReviewActionCode() string {
	return reviewActionCode(FindExtension(i.Extension, ExtReviewAction))
}

// GetReasonCode returns the item-level HCR03 reason code, if present.
func (i *ClaimResponseItem) GetReasonCode() string {
	return reviewActionReason(FindExtension(i.Extension, ExtReviewAction))
}

// GetCertifiedQuantity returns the eligible (certified) quantity of the item.
func (i *ClaimResponseItem) GetCertifiedQuantity() (decimal.Decimal, bool) {
	for _, adj := range i.Adjudication {
		if adj.Category.Code(SystemAdjudication) == AdjudicationEligible && adj.Value != nil {
			return adj.Value.Decimal, true
		}
	}
	return decimal.Decimal{}, false
}

// NewReviewAction builds the PAS reviewAction extension.
func NewReviewAction(code, reasonCode, number string) Extension {
	ext := Extension{URL: ExtReviewAction}
	ext.Extension = append(ext.Extension, Extension{
		URL: ExtReviewActionCode,
		ValueCodeableConcept: &CodeableConcept{
			Coding: []Coding{{System: SystemX12ReviewAction, Code: code}},
		},
	})
	if number != "" {
		ext.Extension = append(ext.Extension, Extension{URL: ExtReviewActionNumber, ValueString: number})
	}
	if reasonCode != "" {
		ext.Extension = append(ext.Extension, Extension{
			URL: ExtReviewActionReason,
			ValueCodeableConcept: &CodeableConcept{
				Coding: []Coding{{System: SystemX12ReasonCode, Code: reasonCode}},
			},
		})
	}
	return ext
}

func reviewActionCode(ext *Extension) string {
	if ext == nil {
		return ""
	}
	if sub := FindExtension(ext.Extension, ExtReviewActionCode); sub != nil {
		return sub.ValueCodeableConcept.Code(SystemX12ReviewAction)
	}
	return ""
}

func reviewActionReason(ext *Extension) string {
	if ext == nil {
		return ""
	}
	if sub := FindExtension(ext.Extension, ExtReviewActionReason); sub != nil {
		return sub.ValueCodeableConcept.Code("")
	}
	return ""
}
