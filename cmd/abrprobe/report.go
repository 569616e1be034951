package main

import (
	"dashabr/internal/throughput"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// printReport prints one row of estimates per media type.
func printReport(w io.Writer, estimator *throughput.Estimator, isLive bool) {
	mode := "VOD"
	if isLive {
		mode = "live"
	}
	fmt.Fprintf(w, "\nBandwidth estimates (%s window):\n", mode)

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Media type", "Samples", "Average (kbit/s)", "Safe (kbit/s)", "Latency (ms)"}),
	)
	for _, mediaType := range estimator.MediaTypes() {
		est := estimator.Estimate(mediaType, isLive)
		table.Append([]string{
			string(mediaType),
			fmt.Sprintf("%d", est.Samples),
			formatValue(est.AverageKbps),
			formatValue(est.SafeKbps),
			formatValue(est.LatencyMs),
		})
	}
	table.Render()
}

// printProbes prints the probe outcome of each URL in argument order.
func printProbes(w io.Writer, urls []string, found map[string]bool) {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"URL", "Exists"}),
	)
	for _, u := range urls {
		exists, ok := found[u]
		status := "-"
		if ok {
			status = "No"
			if exists {
				status = "Yes"
			}
		}
		table.Append([]string{u, status})
	}
	table.Render()
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
