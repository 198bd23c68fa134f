package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type assetsReport struct {
	Assets []assetLine `json:"assets"`
	Fonts  []string    `json:"fonts"`
	Units  int         `json:"units"`
}

type assetLine struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

func newAssetsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Print the resolved critical asset manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, fonts, err := opts.resolve()
			if err != nil {
				return err
			}
			rep := assetsReport{Fonts: fonts, Units: len(assets) + 1}
			for _, a := range assets {
				rep.Assets = append(rep.Assets, assetLine{URL: a.URL, Kind: a.Kind.String()})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			for _, a := range rep.Assets {
				fmt.Fprintf(out, "%-15s %s\n", a.Kind, a.URL)
			}
			for _, f := range rep.Fonts {
				fmt.Fprintf(out, "%-15s %s\n", "font", f)
			}
			fmt.Fprintf(out, "\n%d unit(s) including fonts\n", rep.Units)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
