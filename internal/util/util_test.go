package util

import (
	"reflect"
	"testing"
)

func TestContainsString(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{
			name:     "item exists in slice",
			slice:    []string{"customers", "orders", "products"},
			item:     "orders",
			expected: true,
		},
		{
			name:     "item does not exist in slice",
			slice:    []string{"customers", "orders"},
			item:     "invoices",
			expected: false,
		},
		{
			name:     "empty slice",
			slice:    []string{},
			item:     "customers",
			expected: false,
		},
		{
			name:     "case sensitive match",
			slice:    []string{"Customers"},
			item:     "customers",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ContainsString(tt.slice, tt.item)
			if result != tt.expected {
				t.Errorf("ContainsString(%v, %q) = %v, want %v", tt.slice, tt.item, result, tt.expected)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{
			name:     "drops stop words and punctuation",
			text:     "Show me all the customers from Europe!",
			expected: []string{"customers", "europe"},
		},
		{
			name:     "keeps underscored identifiers together",
			text:     "total_revenue by customer_id",
			expected: []string{"total_revenue", "customer_id"},
		},
		{
			name:     "drops single characters",
			text:     "a b revenue",
			expected: []string{"revenue"},
		},
		{
			name:     "empty input",
			text:     "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Tokenize(tt.text)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.text, result, tt.expected)
			}
		})
	}
}

func TestParseNumericValue(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		expectedVal float64
		expectedOk  bool
	}{
		{name: "direct numeric parse", response: "42", expectedVal: 42.0, expectedOk: true},
		{name: "direct float parse", response: "3.14", expectedVal: 3.14, expectedOk: true},
		{name: "equals pattern", response: "The answer equals 42", expectedVal: 42.0, expectedOk: true},
		{name: "is pattern", response: "the limit is 10.", expectedVal: 10.0, expectedOk: true},
		{name: "last numeric token wins", response: "between 5 and 25 rows", expectedVal: 25.0, expectedOk: true},
		{name: "no number", response: "none found", expectedVal: 0, expectedOk: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, ok := ParseNumericValue(tt.response)
			if ok != tt.expectedOk || val != tt.expectedVal {
				t.Errorf("ParseNumericValue(%q) = (%v, %v), want (%v, %v)",
					tt.response, val, ok, tt.expectedVal, tt.expectedOk)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		expected      string
	}{
		{name: "no truncation needed", input: "short", maxLen: 10, expected: "short"},
		{name: "hard truncation", input: "abcdefghij", maxLen: 8, expected: "abcde..."},
		{name: "word boundary", input: "select name from customers", maxLen: 15, preserveWords: true, expected: "select name..."},
		{name: "zero max", input: "anything", maxLen: 0, expected: ""},
		{name: "tiny max", input: "anything", maxLen: 2, expected: ".."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d, %v) = %q, want %q",
					tt.input, tt.maxLen, tt.preserveWords, result, tt.expected)
			}
		})
	}
}
