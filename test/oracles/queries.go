package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariant queries that must come back empty at any point during the
// run. Each reads a single MVCC snapshot, so cross-table sums are safe to compare.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_capacity_never_exceeded",
			SQL:  `SELECT id, active_count, max_active FROM providers WHERE active_count > max_active OR active_count < 0`,
		},
		{
			Name: "O2_active_count_matches_assignments",
			SQL: `SELECT p.id, p.active_count FROM providers p
                  WHERE p.active_count <> (SELECT COUNT(*) FROM requests r
                                           WHERE r.provider_id = p.id AND r.status IN ('accepted','in_progress'))`,
		},
		{
			Name: "O3_active_request_has_provider",
			SQL:  `SELECT id, status FROM requests WHERE status IN ('accepted','in_progress','completed') AND provider_id IS NULL`,
		},
		{
			Name: "O4_pending_request_unassigned",
			SQL:  `SELECT id FROM requests WHERE status = 'pending' AND provider_id IS NOT NULL`,
		},
		{
			Name: "O5_one_live_payment_per_request",
			SQL: `SELECT request_id, COUNT(*) FROM payments WHERE status <> 'failed'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_distribution_reconciles",
			SQL: `SELECT p.id, p.gross, p.platform_fee, SUM(d.net) AS net, SUM(d.withheld) AS withheld
                  FROM payments p JOIN distributions d ON d.payment_id = p.id
                  WHERE p.distributed_at IS NOT NULL
                  GROUP BY p.id
                  HAVING SUM(d.net) + SUM(d.withheld) + p.platform_fee <> p.gross`,
		},
		{
			Name: "O7_release_requires_distribution",
			SQL:  `SELECT id FROM payments WHERE released_to_provider AND distributed_at IS NULL`,
		},
		{
			Name: "O8_refund_within_ceiling",
			SQL: `SELECT id, refund_amount FROM payments
                  WHERE refund_amount IS NOT NULL AND (refund_amount < 0 OR refund_amount > gross - platform_fee)`,
		},
		{
			Name: "O9_reputation_bounds",
			SQL:  `SELECT id, reputation FROM providers WHERE reputation < 0 OR reputation > 5`,
		},
		{
			Name: "O10_resolved_dispute_has_resolution",
			SQL:  `SELECT id FROM disputes WHERE status = 'resolved' AND (resolution IS NULL OR resolved_at IS NULL)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text)
// or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
