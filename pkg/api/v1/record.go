package v1

import (
	"bytes"
	"encoding/json"
)

// Record is the published form of an experiment as stored in a record
// store collection. Clients consume this shape; fields must stay stable.
type Record struct {
	ID               string    `json:"id"`
	Arguments        Arguments `json:"arguments"`
	FilterExpression string    `json:"filter_expression,omitempty"`
	Targeting        string    `json:"targeting,omitempty"`
	Enabled          bool      `json:"enabled"`
	LastModified     int64     `json:"last_modified,omitempty"`
}

type Arguments struct {
	Slug                  string       `json:"slug"`
	UserFacingName        string       `json:"userFacingName"`
	UserFacingDescription string       `json:"userFacingDescription"`
	IsEnrollmentPaused    bool         `json:"isEnrollmentPaused"`
	ProposedEnrollment    int          `json:"proposedEnrollment"`
	BucketConfig          BucketConfig `json:"bucketConfig"`
	FeatureIDs            []string     `json:"featureIds"`
	Branches              []Branch     `json:"branches"`
	ReferenceBranch       string       `json:"referenceBranch"`
	StartDate             *string      `json:"startDate"`
	EndDate               *string      `json:"endDate"`
}

type BucketConfig struct {
	RandomizationUnit string `json:"randomizationUnit"`
	Namespace         string `json:"namespace"`
	Start             int    `json:"start"`
	Count             int    `json:"count"`
	Total             int    `json:"total"`
}

type Branch struct {
	Slug     string         `json:"slug"`
	Ratio    int            `json:"ratio"`
	Features []FeatureValue `json:"features"`
}

type FeatureValue struct {
	FeatureID string          `json:"featureId"`
	Value     json.RawMessage `json:"value"`
}

// Expression returns the targeting expression regardless of which field
// the platform publishes it under.
func (r *Record) Expression() string {
	if r.FilterExpression != "" {
		return r.FilterExpression
	}
	return r.Targeting
}

// Marshal serializes the record without store bookkeeping fields.
func (r Record) Marshal() ([]byte, error) {
	r.LastModified = 0
	return json.Marshal(r)
}

// SameContent reports whether two records publish identical configuration.
func SameContent(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.Marshal()
	if err != nil {
		return false
	}
	bb, err := b.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// SamePopulation reports whether two records enroll the same clients:
// same buckets, same targeting and same enrollment state.
func SamePopulation(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Arguments.BucketConfig == b.Arguments.BucketConfig &&
		a.Arguments.IsEnrollmentPaused == b.Arguments.IsEnrollmentPaused &&
		a.Expression() == b.Expression()
}
