package retention

import (
	sharedmath "github.com/wp-autoheal/orchestrator/pkg/shared/math"
)

// RiskLevel is §4.8's four-tier purge risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RequiresConfirmation reports whether a purge at this risk level must not
// proceed without an explicit confirmation flag.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHigh || r == RiskCritical
}

// RiskInput captures the volume facts a single table's purge is judged on.
type RiskInput struct {
	RowsToPurge      int64
	TableTotalRows   int64
	CreateBackup     bool
	RetentionDays    int
}

// AssessRisk classifies a purge per §4.8: any of the listed conditions
// forces CRITICAL; otherwise volume thresholds grade MEDIUM/HIGH; a small,
// backed-up purge is LOW.
func AssessRisk(in RiskInput) RiskLevel {
	percentOfTable := sharedmath.PercentOf(float64(in.RowsToPurge), float64(in.TableTotalRows))

	switch {
	case in.RowsToPurge > 50_000:
		return RiskCritical
	case percentOfTable > 80:
		return RiskCritical
	case !in.CreateBackup && in.RowsToPurge > 1_000:
		return RiskCritical
	case in.RetentionDays == 1 && in.RowsToPurge > 10_000:
		return RiskCritical
	case in.RowsToPurge > 10_000 || percentOfTable > 50:
		return RiskHigh
	case in.RowsToPurge > 1_000 || percentOfTable > 20:
		return RiskMedium
	default:
		return RiskLow
	}
}
