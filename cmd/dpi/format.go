package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/internal/parser"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

var outputFormats = map[string]bool{"table": true, "json": true, "csv": true}

func validFormat(format string) bool {
	return outputFormats[format]
}

// Report is everything printed at the end of an inspection run.
type Report struct {
	RunID       string                 `json:"run_id"`
	Source      string                 `json:"source"`
	Summary     parser.Summary         `json:"summary"`
	Stats       model.Stats            `json:"stats"`
	Breakdown   []model.ProtocolShare  `json:"protocol_breakdown"`
	Services    []*model.ServiceRecord `json:"services"`
	Suggestions []string               `json:"signature_suggestions"`
}

// writeReport renders r. The csv format carries the service inventory only.
func writeReport(out io.Writer, r *Report, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"IP", "Port", "Transport", "Protocol", "ServiceLabel", "Encrypted", "FirstSeen", "LastSeen"})
		for _, s := range r.Services {
			w.Write([]string{
				s.IP, strconv.Itoa(int(s.Port)), s.Transport, s.Protocol, s.ServiceLabel,
				strconv.FormatBool(s.IsEncrypted),
				s.FirstSeen.Format(time.RFC3339Nano), s.LastSeen.Format(time.RFC3339Nano),
			})
		}
		w.Flush()
		return w.Error()
	default: // table
		fmt.Fprintf(out, "Inspection of %s (run %s)\n", r.Source, r.RunID)
		fmt.Fprintf(out, "Packets: %d  inspected: %d  skipped: %d  rate limited: %d\n",
			r.Summary.Packets, r.Summary.Inspected, r.Summary.Skipped, r.Summary.RateLimited)
		fmt.Fprintf(out, "Detection rate: %.1f%%  cache hit rate: %.1f%%  escalations: %d (%d failed)\n\n",
			r.Stats.DetectionRate*100, r.Stats.CacheHitRate*100, r.Stats.EscalationAttempts, r.Stats.EscalationFailures)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "PROTOCOL\tPACKETS\tBYTES\tPACKETS %%\tBYTES %%\n")
		for _, s := range r.Breakdown {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.1f\n", s.Protocol, s.Packets, s.Bytes, s.PacketPercent, s.BytePercent)
		}
		w.Flush()

		if len(r.Services) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "IP\tPORT\tTRANSPORT\tPROTOCOL\tSERVICE\tENCRYPTED\tLAST SEEN\n")
			for _, s := range r.Services {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%t\t%s\n",
					s.IP, s.Port, s.Transport, s.Protocol, s.ServiceLabel, s.IsEncrypted,
					s.LastSeen.Format("2006-01-02 15:04:05"))
			}
			w.Flush()
		}

		if len(r.Suggestions) > 0 {
			fmt.Fprintf(out, "\nSuggested signatures for unknown traffic:\n")
			for _, s := range r.Suggestions {
				fmt.Fprintf(out, "  %s\n", s)
			}
		}
	}
	return nil
}

type signatureRow struct {
	Index    int    `json:"index"`
	Protocol string `json:"protocol"`
	Category string `json:"category"`
	Pattern  string `json:"pattern_hex"`
	Text     string `json:"text"`
}

func signatureRows(sigs []classifier.Signature) []signatureRow {
	rows := make([]signatureRow, len(sigs))
	for i, s := range sigs {
		rows[i] = signatureRow{
			Index:    i,
			Protocol: s.Protocol,
			Category: s.Category,
			Pattern:  hex.EncodeToString(s.Pattern),
			Text:     printable(s.Pattern),
		}
	}
	return rows
}

// printable replaces every non printable byte with a dot.
func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7F {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

func writeSignatures(out io.Writer, sigs []classifier.Signature, format string) error {
	rows := signatureRows(sigs)
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"Index", "Protocol", "Category", "Pattern", "Text"})
		for _, r := range rows {
			w.Write([]string{strconv.Itoa(r.Index), r.Protocol, r.Category, r.Pattern, r.Text})
		}
		w.Flush()
		return w.Error()
	default: // table
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "#\tPROTOCOL\tCATEGORY\tPATTERN\tTEXT\n")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Index, r.Protocol, r.Category, r.Pattern, r.Text)
		}
		w.Flush()
	}
	return nil
}
