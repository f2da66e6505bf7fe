package app

import "companionhub/pkg/domain"

// companionCap resolves the owned-companion cap from entitlements.
// First match wins: pro plan is unlimited, then the feature-flag caps,
// then default deny (cap 0).
func companionCap(ent domain.Entitlements) (cap int, unlimited bool) {
	switch {
	case ent.Plan == domain.PlanPro:
		return 0, true
	case ent.HasFeature(domain.FeatureThreeCompanions):
		return 3, false
	case ent.HasFeature(domain.FeatureTenCompanions):
		return 10, false
	default:
		return 0, false
	}
}

// CanCreateCompanion reports whether the caller may create another
// companion: owned count below the entitlement cap, or pro plan. Store
// failures surface as errors; creation is never allowed on a failed
// count.
func (a *App) CanCreateCompanion(id domain.Identity) (bool, error) {
	if id.UserID == "" {
		return false, ErrUnauthenticated
	}
	cap, unlimited := companionCap(id.Entitlements)
	if unlimited {
		return true, nil
	}
	if cap == 0 {
		return false, nil
	}
	count, err := a.store.CountCompanionsByAuthor(id.UserID)
	if err != nil {
		return false, storeErr("count companions", err)
	}
	return count < cap, nil
}
