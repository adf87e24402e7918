// Package validation holds the business-rule validators for inputs that
// cross the control-plane HTTP boundary (§6.1) but are not fully expressible
// as go-playground/validator struct tags: cross-field constraints, injection
// safety on free-text fields, and the numeric boundary checks named
// explicitly in §8 ("Boundary behaviors").
package validation

import (
	"fmt"
	"regexp"
	"strings"

	appErrors "github.com/wp-autoheal/orchestrator/internal/errors"
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b|\bselect\b.*\bfrom\b|--|;\s*drop\b|<script|\bexec\b\()`)
	controlCharPattern  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
)

// ValidateStringInput rejects input longer than maxLen, containing SQL/XSS
// injection markers, or containing non-whitespace control characters. Tab,
// newline and carriage return are accepted.
func ValidateStringInput(field, input string, maxLen int) error {
	if len(input) > maxLen {
		return appErrors.NewValidationError(fmt.Sprintf("%s must be %d characters or less", field, maxLen))
	}
	if sqlInjectionPattern.MatchString(input) {
		return appErrors.NewValidationError(fmt.Sprintf("%s contains potentially unsafe characters", field))
	}
	if controlCharPattern.MatchString(input) {
		return appErrors.NewValidationError(fmt.Sprintf("%s contains invalid control characters", field))
	}
	return nil
}

// SanitizeForLogging replaces non-whitespace control characters with "?" and
// truncates input to 200 characters (with a trailing "...") so that logged
// user input cannot forge log lines or blow up log storage.
func SanitizeForLogging(input string) string {
	sanitized := controlCharPattern.ReplaceAllString(input, "?")
	if len(sanitized) > 200 {
		sanitized = sanitized[:197] + "..."
	}
	return sanitized
}

// ValidateRetentionDays enforces §6.7/§8: retentionDays must be in [1,7].
func ValidateRetentionDays(days int) error {
	if days < 1 || days > 7 {
		return appErrors.NewValidationError(fmt.Sprintf("retentionDays must be between 1 and 7, got %d", days))
	}
	return nil
}

// ValidateMaxFixAttempts enforces §3/§8: maxFixAttempts must be in [1,20].
func ValidateMaxFixAttempts(n int) error {
	if n < 1 || n > 20 {
		return appErrors.NewValidationError(fmt.Sprintf("maxFixAttempts must be between 1 and 20, got %d", n))
	}
	return nil
}

// ValidateMaxRecords enforces §4.8: maxRecords must not exceed 100,000.
func ValidateMaxRecords(n int) error {
	if n < 0 {
		return appErrors.NewValidationError("maxRecords must not be negative")
	}
	if n > 100_000 {
		return appErrors.NewValidationError(fmt.Sprintf("maxRecords must be 100000 or less, got %d", n))
	}
	return nil
}

var validPriorities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// ValidatePriority enforces §4.5's priority map domain.
func ValidatePriority(priority string) error {
	if priority == "" {
		return nil // defaults to "medium" at the call site
	}
	if !validPriorities[priority] {
		return appErrors.NewValidationError(fmt.Sprintf("priority %q is not one of critical, high, medium, low", priority))
	}
	return nil
}

// ValidateTriggerType rejects empty or unsafe trigger-type strings; the set
// of trigger types itself is open-ended (external detectors name their own).
func ValidateTriggerType(triggerType string) error {
	if strings.TrimSpace(triggerType) == "" {
		return appErrors.NewValidationError("triggerType is required")
	}
	return ValidateStringInput("triggerType", triggerType, 100)
}

// ValidateSiteAndServer requires non-empty siteId/serverId free of injection
// markers.
func ValidateSiteAndServer(siteID, serverID string) error {
	var errs []error
	if strings.TrimSpace(siteID) == "" {
		errs = append(errs, appErrors.NewValidationError("siteId is required"))
	} else if err := ValidateStringInput("siteId", siteID, 255); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(serverID) == "" {
		errs = append(errs, appErrors.NewValidationError("serverId is required"))
	} else if err := ValidateStringInput("serverId", serverID, 255); err != nil {
		errs = append(errs, err)
	}
	return appErrors.Chain(errs...)
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateTableName restricts a purge-request table name to a safe
// identifier shape; the retention coordinator only ever interpolates table
// names it has already validated this way into generated SQL.
func ValidateTableName(name string) error {
	if name == "" {
		return nil // empty means "all known tables"
	}
	if !tableNamePattern.MatchString(name) || len(name) > 63 {
		return appErrors.NewValidationError(fmt.Sprintf("tableName %q is not a valid identifier", name))
	}
	return nil
}
