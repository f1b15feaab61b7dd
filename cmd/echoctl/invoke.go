package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deeptree/echo-kernel/internal/api"
)

func newInvokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke PATH [JSON]",
		Short: "POST a JSON payload to the echo API and print the response",
		Example: `  echoctl invoke /callback '{"x":1}'
  ECHO_API_URL=http://kernel:5000 echoctl invoke /agents/ping`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}

			var payload json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			client := api.NewClient(cfg.Echo.APIURL,
				api.WithTimeout(cfg.API.Timeout),
				api.WithLogger(opts.logger()),
			)

			resp, err := client.Invoke(cmd.Context(), path, payload)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := json.Indent(&out, resp, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
}
