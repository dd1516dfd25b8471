package metrics

// Builtin returns the metrics attached to every explanation.
func Builtin() []Definition {
	return []Definition{
		{
			ID:         "total_inbound_amount",
			Name:       "Total Inbound Amount",
			Expression: "total_amount_in",
			Benchmark:  250000,
			Definition: "Sum of all amounts received by the account (INR).",
		},
		{
			ID:         "inbound_transfers",
			Name:       "Inbound Transfers",
			Expression: "in_degree",
			Benchmark:  5,
			Definition: "Number of distinct incoming transfers.",
		},
		{
			ID:         "outbound_transfers",
			Name:       "Outbound Transfers",
			Expression: "out_degree",
			Benchmark:  5,
			Definition: "Number of distinct outgoing transfers.",
		},
		{
			ID:         "net_flow",
			Name:       "Net Flow",
			Expression: "net_flow",
			Benchmark:  0,
			Definition: "Total received minus total sent (INR). Large positive values indicate collection.",
		},
		{
			// share of the larger side that is passed straight through
			ID:   "pass_through_ratio",
			Name: "Pass-through Ratio",
			Expression: "total_amount_in == 0.0 || total_amount_out == 0.0 ? 0.0 : " +
				"(total_amount_in < total_amount_out ? total_amount_in / total_amount_out : total_amount_out / total_amount_in)",
			Benchmark:  0.9,
			Definition: "Smaller of inbound and outbound totals divided by the larger. Values near 1 suggest layering.",
		},
	}
}
