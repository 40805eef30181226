package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SignatureMeaning string

const (
	MeaningCompoundedBy        SignatureMeaning = "compounded_by"
	MeaningVerifiedBy          SignatureMeaning = "verified_by"
	MeaningReviewedAndApproved SignatureMeaning = "reviewed_and_approved"
)

// NormalizeSignatureMeaning maps free input onto the closed meaning set,
// defaulting to reviewed_and_approved.
func NormalizeSignatureMeaning(s string) SignatureMeaning {
	switch SignatureMeaning(strings.ToLower(strings.TrimSpace(s))) {
	case MeaningCompoundedBy:
		return MeaningCompoundedBy
	case MeaningVerifiedBy:
		return MeaningVerifiedBy
	default:
		return MeaningReviewedAndApproved
	}
}

// Statement is the attestation text bound to the meaning.
func (m SignatureMeaning) Statement(signer string) string {
	switch m {
	case MeaningCompoundedBy:
		return signer + " attests that they compounded this preparation as documented."
	case MeaningVerifiedBy:
		return signer + " attests that they verified this preparation against the calculation report."
	default:
		return signer + " attests that they reviewed and approved this preparation for dispensing."
	}
}

// SigningIntent is a one-time, job-scoped challenge for an approval signature.
type SigningIntent struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	JobID         uuid.UUID        `json:"job_id" db:"job_id"`
	IssuedTo      uuid.UUID        `json:"issued_to" db:"issued_to"`
	ChallengeCode string           `json:"challenge_code" db:"challenge_code"`
	Meaning       SignatureMeaning `json:"signature_meaning" db:"signature_meaning"`
	IssuedAt      time.Time        `json:"issued_at" db:"issued_at"`
	ExpiresAt     time.Time        `json:"expires_at" db:"expires_at"`
	ConsumedAt    *time.Time       `json:"consumed_at,omitempty" db:"consumed_at"`
}

type IntentState string

const (
	IntentIssued   IntentState = "issued"
	IntentConsumed IntentState = "consumed"
	IntentExpired  IntentState = "expired"
)

// State resolves the intent's position in Issued -> Consumed | Expired at now.
func (i SigningIntent) State(now time.Time) IntentState {
	if i.ConsumedAt != nil {
		return IntentConsumed
	}
	if !now.Before(i.ExpiresAt) {
		return IntentExpired
	}
	return IntentIssued
}

// SignatureReason is the machine-readable outcome of a signature verification.
type SignatureReason string

const (
	ReasonNone              SignatureReason = ""
	ReasonPINNotSet         SignatureReason = "pin_not_set"
	ReasonLocked            SignatureReason = "locked"
	ReasonIntentExpired     SignatureReason = "intent_expired"
	ReasonIntentAlreadyUsed SignatureReason = "intent_already_used"
	ReasonChallengeMismatch SignatureReason = "challenge_mismatch"
	ReasonJobNotVerified    SignatureReason = "job_not_verified"
)

type SignatureCheck struct {
	OK     bool            `json:"ok"`
	Reason SignatureReason `json:"reason,omitempty"`
}

// SignaturePIN is the stored credential used alongside a signing intent.
type SignaturePIN struct {
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	PINHash        string     `json:"-" db:"pin_hash"`
	FailedAttempts int        `json:"failed_attempts" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Locked reports whether the PIN is locked out at now.
func (p SignaturePIN) Locked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

type SignatureBlock struct {
	SignerName  string           `json:"signer_name"`
	SignerEmail string           `json:"signer_email"`
	Meaning     SignatureMeaning `json:"signature_meaning"`
	Statement   string           `json:"statement"`
	Hash        string           `json:"hash"`
	IntentID    *uuid.UUID       `json:"intent_id,omitempty"`
	SignedAt    time.Time        `json:"signed_at"`
}

type LabelPayload struct {
	Patient              string    `json:"patient"`
	Medication           string    `json:"medication"`
	Route                string    `json:"route"`
	ConcentrationMgPerML float64   `json:"concentration_mg_per_ml"`
	QuantityML           float64   `json:"quantity_ml"`
	BeyondUseDate        string    `json:"beyond_use_date"`
	Storage              string    `json:"storage"`
	ApprovedAt           time.Time `json:"approved_at"`
}

type FinalReport struct {
	ApprovedBy           uuid.UUID         `json:"approved_by"`
	ApprovedAt           time.Time         `json:"approved_at"`
	Signature            SignatureBlock    `json:"signature"`
	ReportID             uuid.UUID         `json:"report_id"`
	ReportVersion        int               `json:"report_version"`
	Report               CalculationReport `json:"report"`
	Formula              Formula           `json:"formula"`
	InventoryConsumption []ConsumedLine    `json:"inventory_consumption"`
	PharmacistNote       string            `json:"pharmacist_note,omitempty"`
}

// FinalOutput is the locked record written once when a job is approved.
type FinalOutput struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	JobID       uuid.UUID    `json:"job_id" db:"job_id"`
	ApprovedBy  uuid.UUID    `json:"approved_by" db:"approved_by"`
	FinalReport FinalReport  `json:"final_report" db:"-"`
	Label       LabelPayload `json:"label" db:"-"`
	LockedAt    time.Time    `json:"locked_at" db:"locked_at"`
}
