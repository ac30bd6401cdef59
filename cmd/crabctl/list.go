package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crabcity/internal/wire"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(httpURL("/instances"))
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("list instances: daemon returned %s", resp.Status)
			}

			var body struct {
				Instances []wire.InstanceSummary `json:"instances"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCOMMAND\tSTATUS\tGRID")
			for _, inst := range body.Instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dx%d\n", inst.ID, inst.Name, inst.Command, inst.Status, inst.Cols, inst.Rows)
			}
			return w.Flush()
		},
	}
}
