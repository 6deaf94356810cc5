package push

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BuildRenewalMessage renders the reminder for a subscription that renews in daysUntil days
func BuildRenewalMessage(name string, amount float64, currency string, daysUntil int, subscriptionID, notificationType string) Message {
	title := "Upcoming Renewal"
	if daysUntil == 1 {
		title = "Renewal Tomorrow!"
	}

	unit := "days"
	if daysUntil == 1 {
		unit = "day"
	}

	return Message{
		Title: title,
		Body: fmt.Sprintf("%s will charge %s %s in %d %s",
			name, currency, decimal.NewFromFloat(amount).StringFixed(2), daysUntil, unit),
		Data: map[string]string{
			"subscription_id": subscriptionID,
			"type":            notificationType,
			"click_action":    clickAction,
		},
	}
}
