package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loamdata/loam/internal/warehouse"
)

var (
	queryWrite   bool
	queryTimeout time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run an ad-hoc query against the warehouse",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sql := strings.Join(args, " ")
		res, err := a.db.RunQuery(cmd.Context(), sql, !queryWrite, queryTimeout)
		if err != nil {
			return err
		}

		if jsonOutput {
			return emitJSON(res)
		}
		printResult(res)
		return nil
	},
}

func printResult(res *warehouse.Result) {
	fmt.Println(strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		parts := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				parts[i] = "NULL"
				continue
			}
			parts[i] = fmt.Sprint(v)
		}
		fmt.Println(strings.Join(parts, "\t"))
	}
	fmt.Printf("(%d rows)\n", len(res.Rows))
}

func init() {
	queryCmd.Flags().BoolVar(&queryWrite, "write", false, "allow mutating statements")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 0, "statement timeout (default 30s)")
	rootCmd.AddCommand(queryCmd)
}
