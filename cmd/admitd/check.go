package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkFlags struct {
	route    string
	resource string
	caller   string
	count    int
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate requests against a route and print the decisions",
	Long: `Evaluate one or more requests for a caller against a configured route and
print each decision as a JSON line.

With the local store the counters live only for the duration of the command,
so --count is the way to watch a limit engage. Routes on the remote store share
counters with running admitd instances.

Examples:
  # One evaluation
  admitd check --route orders --caller 10.0.0.1

  # Exhaust a limit
  admitd check --route login --caller alice --count 10`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkFlags.route, "route", "r", "", "route name (required)")
	checkCmd.Flags().StringVar(&checkFlags.resource, "resource", "", "resource identifier (default: the route's resource)")
	checkCmd.Flags().StringVar(&checkFlags.caller, "caller", "", "caller identifier (required)")
	checkCmd.Flags().IntVarP(&checkFlags.count, "count", "n", 1, "number of evaluations")
	_ = checkCmd.MarkFlagRequired("route")
	_ = checkCmd.MarkFlagRequired("caller")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	if checkFlags.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	table, err := buildRoutes(cfg, stores, nil)
	if err != nil {
		return err
	}
	rt, ok := table.lookup(checkFlags.route)
	if !ok {
		return fmt.Errorf("unknown route %q", checkFlags.route)
	}

	resource := checkFlags.resource
	if resource == "" {
		resource = rt.cfg.ResourceID()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for range checkFlags.count {
		d, err := rt.limiter.Evaluate(cmd.Context(), resource, checkFlags.caller)
		if err != nil {
			return err
		}
		if err := enc.Encode(evaluateResponse{
			Route:        rt.cfg.Name,
			Resource:     resource,
			Caller:       checkFlags.caller,
			Algorithm:    string(rt.limiter.Algorithm()),
			Limited:      d.Limited,
			Limit:        d.Limit,
			Remaining:    d.Remaining,
			ResetAt:      d.ResetAt.UTC().Truncate(time.Millisecond),
			RetryAfterMS: d.RetryAfter.Milliseconds(),
		}); err != nil {
			return err
		}
	}
	return nil
}
