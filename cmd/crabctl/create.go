package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"crabcity/internal/wire"
)

func createCmd() *cobra.Command {
	var (
		name string
		cwd  string
		cols int
		rows int
	)

	cmd := &cobra.Command{
		Use:   "create -- <command> [args...]",
		Short: "Start a new instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			body, err := json.Marshal(map[string]any{
				"name":    name,
				"command": cmdArgs[0],
				"args":    cmdArgs[1:],
				"cwd":     cwd,
				"cols":    cols,
				"rows":    rows,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(httpURL("/instances"), "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create instance: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				var errBody struct {
					Error string `json:"error"`
				}
				json.NewDecoder(resp.Body).Decode(&errBody)
				return fmt.Errorf("create instance: daemon returned %s: %s", resp.Status, errBody.Error)
			}

			var summary wire.InstanceSummary
			if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
				return err
			}
			fmt.Println(summary.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "friendly name for the instance")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().IntVar(&cols, "cols", 80, "initial terminal width")
	cmd.Flags().IntVar(&rows, "rows", 24, "initial terminal height")
	return cmd
}
