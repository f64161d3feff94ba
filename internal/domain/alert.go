package domain

// AlertType classifies an overspending alert. The detector evaluates types in
// a fixed severity-descending order and emits at most one per expense event.
type AlertType string

const (
	AlertHighValuePurchase    AlertType = "HIGH_VALUE_PURCHASE"
	AlertCategoryOverspending AlertType = "CATEGORY_OVERSPENDING"
	AlertOverallOverspending  AlertType = "OVERALL_OVERSPENDING"
)

// AlertSeverity is the urgency of an overspending alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "HIGH"
	SeverityMedium AlertSeverity = "MEDIUM"
)

// OverspendingAlert is the advisory classification of an expense's risk to
// the user's budget. Ephemeral: produced per expense event, surfaced to the
// caller and the notifier, never persisted as entity state. It never blocks
// the expense from being recorded.
type OverspendingAlert struct {
	Type           AlertType     `json:"alert_type"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	Recommendation string        `json:"recommendation"`
}
