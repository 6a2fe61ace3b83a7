package fewshot

import "strings"

// domainKeywords maps each recognized domain to the table and column
// names that typically signal it. Scoring counts keyword hits in the
// schema text, normalized by list size so long lists don't dominate.
var domainKeywords = map[string][]string{
	"finance":    {"account", "transaction", "ledger", "balance", "payment", "invoice", "loan", "credit", "debit", "portfolio"},
	"healthcare": {"patient", "diagnosis", "treatment", "prescription", "provider", "appointment", "medical", "clinical", "icd", "admission"},
	"retail":     {"product", "inventory", "store", "sku", "sale", "discount", "promotion", "supplier", "stock", "pos"},
	"hr":         {"employee", "salary", "department", "payroll", "hire", "manager", "leave", "benefit", "performance", "recruit"},
	"education":  {"student", "course", "enrollment", "grade", "teacher", "semester", "curriculum", "exam", "campus", "tuition"},
	"ecommerce":  {"cart", "checkout", "order", "customer", "shipment", "review", "wishlist", "catalog", "coupon", "refund"},
	"logistics":  {"shipment", "warehouse", "carrier", "route", "delivery", "tracking", "freight", "fleet", "dispatch", "manifest"},
}

// InferDomain guesses the business domain from schema text (formatted
// tables and columns). Returns "" when nothing scores.
func InferDomain(schemaText string) string {
	if schemaText == "" {
		return ""
	}
	text := strings.ToLower(schemaText)

	best := ""
	var bestScore float64
	for domain, keywords := range domainKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		score := float64(hits) / float64(len(keywords))
		if score > bestScore || (score == bestScore && score > 0 && domain < best) {
			best = domain
			bestScore = score
		}
	}
	if bestScore == 0 {
		return ""
	}
	return best
}
