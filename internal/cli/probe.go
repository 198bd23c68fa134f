package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/probe"
	"github.com/klazomenai/splash-gate/pkg/runner"
)

// SourceCLI tags runs started by gatectl.
const SourceCLI = "cli"

type probeReport struct {
	RunID  string       `json:"run_id"`
	States []gate.State `json:"states"`
	Result gate.Result  `json:"result"`
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the gate once against the manifest and print every state",
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, fonts, err := opts.resolve()
			if err != nil {
				return err
			}

			probers := probe.NewProbers(probe.NewHTTPClient(opts.probeTimeout), fonts)
			r := runner.New(gate.New(opts.gateConfig(), probers), nil)

			out := cmd.OutOrStdout()
			rep := probeReport{RunID: uuid.New().String()}
			rep.Result = r.Execute(cmd.Context(), rep.RunID, SourceCLI, assets, func(st gate.State) {
				rep.States = append(rep.States, st)
				if !asJSON {
					printState(out, st)
				}
			})

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printResult(out, rep.Result)
			}

			if strict {
				return strictError(rep.Result)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON report")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero unless every probe succeeded")
	return cmd
}

func printState(w io.Writer, st gate.State) {
	label := "loading"
	if !st.Loading {
		label = "ready"
	}
	fmt.Fprintf(w, "[%3d%%] %s\n", st.Progress, label)
}

func printResult(w io.Writer, res gate.Result) {
	fmt.Fprintln(w)
	for _, p := range res.Probes {
		tag := "OK  "
		switch p.Outcome {
		case gate.OutcomeFailure:
			tag = "ERR "
		case gate.OutcomeTimedOut:
			tag = "TIME"
		}
		line := fmt.Sprintf("%s %-15s %s  %s", tag, p.Kind, p.Unit, p.Elapsed.Round(time.Millisecond))
		if p.Err != "" {
			line += "  " + p.Err
		}
		fmt.Fprintln(w, line)
	}
	success, failure, timedOut := res.Counts()
	fmt.Fprintf(w, "\nSummary: %s after %s, %d/%d unit(s), %d ok, %d failed, %d timed out\n",
		res.Reason, res.Elapsed.Round(time.Millisecond), res.Completed, res.Total, success, failure, timedOut)
}

func strictError(res gate.Result) error {
	success, _, _ := res.Counts()
	if res.Reason != gate.ReasonSettled || success != res.Total {
		return fmt.Errorf("probe failed: %s with %d/%d successful probe(s)", res.Reason, success, res.Total)
	}
	return nil
}
