package cmd

import (
	"context"
	"fmt"

	"github.com/lawrencejones/pgshift/pkg/consistency"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// runCheck compares each table in turn, failing if any are inconsistent
func runCheck(ctx context.Context, logger kitlog.Logger, checker *consistency.Checker, tables []string) error {
	inconsistent := 0
	for _, table := range tables {
		result, err := checker.Check(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", table, err)
		}

		logger := kitlog.With(logger, "table", table)
		logger.Log("event", "check_result", "matched", result.Matched(),
			"source_rows", result.SourceRows, "destination_rows", result.TargetRows, "mismatches", result.MismatchCount)

		for _, mismatch := range result.Mismatches {
			level.Warn(logger).Log("event", "mismatch", "kind", mismatch.Kind, "key", fmt.Sprint(mismatch.Key), "column", mismatch.Column)
		}

		if !result.Matched() {
			inconsistent++
		}
	}

	if inconsistent > 0 {
		return fmt.Errorf("%d of %d tables are inconsistent", inconsistent, len(tables))
	}

	return nil
}
