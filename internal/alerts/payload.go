package alerts

import (
	"fmt"
	"strconv"
)

// buildPayload renders the push body and data for a candidate.
func buildPayload(c Candidate) Payload {
	d := c.Deal
	body := fmt.Sprintf("%s → %s for %s %s", d.Origin, d.Destination, d.Currency, formatPrice(d.TotalPrice))
	if d.DiscountPercent > 0 {
		body += fmt.Sprintf(" (%d%% off)", d.DiscountPercent)
	}
	if !d.DepartureDate.IsZero() {
		body += ", departs " + d.DepartureDate.Format("Jan 2")
	}

	data := map[string]string{
		"deal_id":     d.ID,
		"origin":      d.Origin,
		"destination": d.Destination,
		"price":       strconv.FormatFloat(d.TotalPrice, 'f', 2, 64),
		"currency":    d.Currency,
		"family":      c.FamilyKey,
		"score":       strconv.FormatFloat(c.FinalScore, 'f', 1, 64),
		"deep_link":   deepLinkScheme + d.ID,
	}
	if d.DeepLink != "" {
		data["booking_url"] = d.DeepLink
	}
	return Payload{Title: notificationTitle, Body: body, Data: data}
}

func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return strconv.FormatInt(int64(p), 10)
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
