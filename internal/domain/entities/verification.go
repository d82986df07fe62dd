package entities

import (
	"time"
)

// MaxCodeHistory is the number of previously issued codes kept per identity
const MaxCodeHistory = 5

// Identity is a community member scoped to one community (Discord guild)
type Identity struct {
	CommunityID string `json:"community_id" db:"community_id" dynamodbav:"community_id"`
	MemberID    string `json:"member_id" db:"member_id" dynamodbav:"member_id"`
}

// Key returns the storage key for the identity
func (i Identity) Key() string {
	return i.CommunityID + ":" + i.MemberID
}

// PendingVerification tracks an issued proof code until it is matched or
// the profile is found not to exist
type PendingVerification struct {
	Identity
	ExternalHandle string    `json:"external_handle,omitempty" db:"external_handle" dynamodbav:"external_handle"`
	CurrentCode    string    `json:"current_code" db:"current_code" dynamodbav:"current_code"`
	CodeHistory    []string  `json:"code_history" db:"-" dynamodbav:"code_history"` // oldest first
	CreatedAt      time.Time `json:"created_at" db:"created_at" dynamodbav:"created_at"`
}

// HasHandle reports whether the member already submitted a profile handle
func (p *PendingVerification) HasHandle() bool {
	return p.ExternalHandle != ""
}

// Reissue makes code the current code and pushes the previous one onto the
// history, dropping the oldest entry once the history is full
func (p *PendingVerification) Reissue(code string) {
	if p.CurrentCode != "" {
		p.CodeHistory = append(p.CodeHistory, p.CurrentCode)
	}
	if overflow := len(p.CodeHistory) - MaxCodeHistory; overflow > 0 {
		p.CodeHistory = append([]string(nil), p.CodeHistory[overflow:]...)
	}
	p.CurrentCode = code
}

// Candidates returns the codes that are still accepted, newest first
func (p *PendingVerification) Candidates() []string {
	codes := make([]string, 0, len(p.CodeHistory)+1)
	codes = append(codes, p.CurrentCode)
	for i := len(p.CodeHistory) - 1; i >= 0; i-- {
		codes = append(codes, p.CodeHistory[i])
	}
	return codes
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (p *PendingVerification) Clone() *PendingVerification {
	c := *p
	c.CodeHistory = append([]string(nil), p.CodeHistory...)
	return &c
}

// VerificationMethod records which path created a VerifiedRecord
type VerificationMethod string

const (
	VerificationMethodBioCode VerificationMethod = "bio_code"
	VerificationMethodManual  VerificationMethod = "manual"
)

// VerifiedRecord marks an identity as owner of an external profile
type VerifiedRecord struct {
	Identity
	ExternalHandle string             `json:"external_handle" db:"external_handle" dynamodbav:"external_handle"`
	VerifiedAt     time.Time          `json:"verified_at" db:"verified_at" dynamodbav:"verified_at"`
	Method         VerificationMethod `json:"method" db:"method" dynamodbav:"method"`
}

// CommunityConfig holds the per-community verification settings
type CommunityConfig struct {
	CommunityID string    `json:"community_id" db:"community_id" dynamodbav:"community_id"`
	TrustRoleID string    `json:"trust_role_id" db:"trust_role_id" dynamodbav:"trust_role_id"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at" dynamodbav:"updated_at"`
}
