package service

import (
	"context"
	"strings"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/errors"
)

// PriorityResolver derives a medication's tier from its pathology category
// and applies clinician overrides.
type PriorityResolver struct {
	medications MedicationStore
}

// NewPriorityResolver creates a new priority resolver
func NewPriorityResolver(medications MedicationStore) *PriorityResolver {
	return &PriorityResolver{medications: medications}
}

// AutomaticTier returns the medication's category tier. A medication
// without a category, or with an unrecognized tier label, is LOW.
func (r *PriorityResolver) AutomaticTier(ctx context.Context, medicationID string) (domain.Tier, error) {
	label, err := r.medications.CategoryTier(ctx, medicationID)
	if err != nil {
		return "", err
	}
	return domain.ParseTier(label), nil
}

// Resolve returns the medication's priority with override applied when
// given. The override is validated before anything is looked up.
func (r *PriorityResolver) Resolve(ctx context.Context, medicationID string, override *domain.ManualOverride) (domain.Priority, error) {
	if override != nil {
		if details := validateOverride(override); len(details) > 0 {
			return domain.Priority{}, errors.Validation(details)
		}
	}

	automatic, err := r.AutomaticTier(ctx, medicationID)
	if err != nil {
		return domain.Priority{}, err
	}

	if override == nil {
		return domain.AutomaticPriority(automatic), nil
	}
	return domain.ManualPriority(automatic, *override), nil
}

func validateOverride(o *domain.ManualOverride) map[string]string {
	details := map[string]string{}
	if !o.Tier.Valid() {
		details["manual_priority"] = "must be one of CRITICAL, HIGH, MEDIUM, LOW"
	}
	if strings.TrimSpace(o.Justification) == "" {
		details["priority_justification"] = "is required when the priority is changed manually"
	}
	return details
}
