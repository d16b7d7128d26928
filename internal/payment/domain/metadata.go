package domain

import (
	"strconv"
	"strings"
)

// Provider metadata keys.
const (
	MetaUserID         = "user_id"
	MetaCredits        = "credits"
	MetaIdempotencyKey = "idempotency_key"
	MetaPackageID      = "package_id"
	MetaPlanName       = "plan_name"
	MetaPlanType       = "plan_type"
)

// SessionMetadata is the closed set of keys written on checkout sessions and
// payment intents.
type SessionMetadata struct {
	UserID         string
	Credits        int64
	IdempotencyKey string
	PackageID      string
}

// ParseSessionMetadata reads the known keys and ignores the rest. A malformed
// credits value parses as zero.
func ParseSessionMetadata(raw map[string]string) SessionMetadata {
	meta := SessionMetadata{
		UserID:         strings.TrimSpace(raw[MetaUserID]),
		IdempotencyKey: strings.TrimSpace(raw[MetaIdempotencyKey]),
		PackageID:      strings.TrimSpace(raw[MetaPackageID]),
	}
	if credits, err := strconv.ParseInt(strings.TrimSpace(raw[MetaCredits]), 10, 64); err == nil && credits > 0 {
		meta.Credits = credits
	}
	return meta
}

func (m SessionMetadata) ToMap() map[string]string {
	out := map[string]string{}
	if m.UserID != "" {
		out[MetaUserID] = m.UserID
	}
	if m.Credits > 0 {
		out[MetaCredits] = strconv.FormatInt(m.Credits, 10)
	}
	if m.IdempotencyKey != "" {
		out[MetaIdempotencyKey] = m.IdempotencyKey
	}
	if m.PackageID != "" {
		out[MetaPackageID] = m.PackageID
	}
	return out
}

type SubscriptionMetadata struct {
	UserID   string
	PlanName string
	PlanType string
}

func ParseSubscriptionMetadata(raw map[string]string) SubscriptionMetadata {
	return SubscriptionMetadata{
		UserID:   strings.TrimSpace(raw[MetaUserID]),
		PlanName: strings.TrimSpace(raw[MetaPlanName]),
		PlanType: strings.TrimSpace(raw[MetaPlanType]),
	}
}

func (m SubscriptionMetadata) ToMap() map[string]string {
	out := map[string]string{}
	if m.UserID != "" {
		out[MetaUserID] = m.UserID
	}
	if m.PlanName != "" {
		out[MetaPlanName] = m.PlanName
	}
	if m.PlanType != "" {
		out[MetaPlanType] = m.PlanType
	}
	return out
}
