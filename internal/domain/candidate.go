package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Candidate is one strategy variant under evaluation. It is immutable once created:
// the constructor copies its inputs and nothing in the evolver writes to it afterwards.
type Candidate struct {
	ID         uuid.UUID      `json:"id"`
	ParentID   *uuid.UUID     `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Code       string         `json:"code"`
	Entrypoint string         `json:"entrypoint"`
	Factors    []string       `json:"factors,omitempty"`
	Origin     GenerationMode `json:"origin"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewCandidate creates a new Candidate with generated UUID.
func NewCandidate(name, code, entrypoint string, factors []string, origin GenerationMode, parentID *uuid.UUID) *Candidate {
	var parent *uuid.UUID
	if parentID != nil {
		p := *parentID
		parent = &p
	}
	if entrypoint == "" {
		entrypoint = "strategy.py"
	}
	return &Candidate{
		ID:         uuid.New(),
		ParentID:   parent,
		Name:       name,
		Code:       code,
		Entrypoint: entrypoint,
		Factors:    append([]string(nil), factors...),
		Origin:     origin,
		CreatedAt:  time.Now().UTC(),
	}
}

// CodeHash returns the hex sha256 of the candidate source.
func (c *Candidate) CodeHash() string {
	sum := sha256.Sum256([]byte(c.Code))
	return hex.EncodeToString(sum[:])
}

// Ref returns the reference stored in iteration records.
func (c *Candidate) Ref() CandidateRef {
	return CandidateRef{
		ID:       c.ID,
		ParentID: c.ParentID,
		Name:     c.Name,
		CodeHash: c.CodeHash(),
		Factors:  append([]string(nil), c.Factors...),
		Origin:   c.Origin,
	}
}

// CandidateRef identifies a candidate inside persisted history without carrying its source.
type CandidateRef struct {
	ID       uuid.UUID      `json:"id"`
	ParentID *uuid.UUID     `json:"parent_id,omitempty"`
	Name     string         `json:"name"`
	CodeHash string         `json:"code_hash"`
	Factors  []string       `json:"factors,omitempty"`
	Origin   GenerationMode `json:"origin"`

	// Features is the feature set the diversity monitor scored the candidate with, kept so
	// a resumed run scores replayed generations exactly as the original run did.
	Features []string `json:"features,omitempty"`
}
