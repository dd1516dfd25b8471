// Package features derives the per-account feature table from the transfer
// graph and owns the canonical account to row-index mapping.
package features

import "strings"

// Column positions in every feature vector.
const (
	ColInitialRiskRating = iota
	ColOutDegree
	ColInDegree
	ColTotalAmountOut
	ColTotalAmountIn
	ColAvgAmountOut
	ColAvgAmountIn
	ColTransactionVolume
	ColNetFlow

	NumColumns
)

var columns = [NumColumns]string{
	ColInitialRiskRating: "initial_risk_rating",
	ColOutDegree:         "out_degree",
	ColInDegree:          "in_degree",
	ColTotalAmountOut:    "total_amount_out",
	ColTotalAmountIn:     "total_amount_in",
	ColAvgAmountOut:      "avg_amount_out",
	ColAvgAmountIn:       "avg_amount_in",
	ColTransactionVolume: "transaction_volume",
	ColNetFlow:           "net_flow",
}

// Columns returns the fixed column order shared by every model.
func Columns() []string {
	out := make([]string, NumColumns)
	copy(out, columns[:])
	return out
}

// SameColumns reports whether cols matches Columns exactly.
func SameColumns(cols []string) bool {
	if len(cols) != NumColumns {
		return false
	}
	for i, c := range cols {
		if c != columns[i] {
			return false
		}
	}
	return true
}

// Label title-cases a column name: "total_amount_in" -> "Total Amount In".
func Label(column string) string {
	words := strings.Fields(strings.ReplaceAll(column, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
