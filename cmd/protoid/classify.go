package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/darkit/protoid"
	"github.com/darkit/protoid/flow"
	"github.com/darkit/protoid/protocols"
	"github.com/spf13/cobra"
)

func newClassifyCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "classify <capture.pcap>",
		Short: "Classify the flows of a pcap capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ident := protoid.NewIdentifier(cfg.IdentifierOptions()...)
			table, err := flow.NewTable(ident,
				flow.WithSize(cfg.FlowTableSize),
				flow.WithPrefix(cfg.FlowPrefixBytes),
			)
			if err != nil {
				return err
			}

			st, err := flow.ReadPcap(cmd.Context(), f, table)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeRecords(out, table.Records(), all)
			fmt.Fprintf(out, "\n%d packets, %d with payload, %d skipped, %d flow directions\n",
				st.Packets, st.Payloads, st.Skipped, table.Len())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include unclassified flows")
	return cmd
}

func writeRecords(w io.Writer, records []flow.Record, all bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tPROTOCOL\tPACKETS\tBYTES")
	for _, r := range records {
		if !r.Classified() && !all {
			continue
		}
		name := "-"
		if r.Classified() {
			name = r.Inference.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.Key, name, r.Packets, r.Bytes)
	}
	tw.Flush()
}

func newMatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "match <hex>",
		Short: "Identify a hex encoded payload prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := decodeHex(args[0])
			if err != nil {
				return err
			}

			ident := protoid.NewIdentifier(cfg.IdentifierOptions()...)
			inf, ok := ident.Infer(data)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s application=%d direction=%s\n",
				protocols.ApplicationName(inf.Application), inf.Application, inf.Direction)
			return nil
		},
	}
}

// decodeHex accepts "16030100", "16 03 01 00" and "16:03:01:00".
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", ",", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return data, nil
}

func newSignaturesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signatures",
		Short: "List the configured signature table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident := protoid.NewIdentifier(cfg.IdentifierOptions()...)
			if err := ident.Initialize(); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tNAME\tINFERENCE\tPATTERN")
			for i, sig := range ident.Registry().Signatures() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, sig.Name, sig.Inference, sig.Pattern)
			}
			return tw.Flush()
		},
	}
}
