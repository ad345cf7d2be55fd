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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_success_notified_once",
			SQL: `SELECT dedup_key, COUNT(*) FROM outbox
                  WHERE topic = 'intent.succeeded'
                  GROUP BY dedup_key HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_notified_intent_is_success",
			SQL: `SELECT o.dedup_key, i.status FROM outbox o
                  LEFT JOIN transaction_intents i ON i.reference = o.dedup_key
                  WHERE o.topic = 'intent.succeeded'
                    AND (i.status IS NULL OR i.status <> 'success')`,
		},
		{
			Name: "O3_pending_has_reference",
			SQL:  `SELECT id FROM transaction_intents WHERE status IN ('pending', 'success') AND reference = ''`,
		},
		{
			Name: "O4_transition_chain_unbroken",
			SQL: `WITH ev AS (
                      SELECT agreement_id, id,
                             payload->>'previous_status' AS prev,
                             LAG(payload->>'next_status') OVER (PARTITION BY agreement_id ORDER BY id) AS last
                      FROM timeline_events)
                  SELECT * FROM ev WHERE last IS NOT NULL AND prev <> last`,
		},
		{
			Name: "O5_transition_allowed",
			SQL: `SELECT id, payload FROM timeline_events
                  WHERE (payload->>'previous_status', payload->>'next_status') NOT IN (
                      ('draft', 'deployPending'),
                      ('deployPending', 'deployed'),
                      ('deployPending', 'deployFailed'),
                      ('deployed', 'signPending'),
                      ('signPending', 'signed'),
                      ('signPending', 'signFailed'))`,
		},
		{
			Name: "O6_timeline_matches_outbox",
			SQL: `SELECT a.id FROM agreements a
                  WHERE (SELECT COUNT(*) FROM timeline_events e WHERE e.agreement_id = a.id)
                     <> (SELECT COUNT(*) FROM outbox o
                         WHERE o.topic = 'agreement.status_changed' AND o.payload->>'agreement_id' = a.id::text)`,
		},
		{
			Name: "O7_phase_fields",
			SQL: `SELECT id, status FROM agreements
                  WHERE (contract_address <> '' AND status IN ('draft', 'deployPending', 'deployFailed'))
                     OR (is_signed_by_employee <> (status = 'signed'))
                     OR (status = 'signed' AND signed_at IS NULL)`,
		},
		{
			Name: "O8_schedule_per_signed_agreement",
			SQL: `SELECT s.key FROM schedules s
                  WHERE s.kind = 'disbursement'
                    AND NOT EXISTS (
                        SELECT 1 FROM agreements a
                        WHERE 'disbursement:' || a.id::text = s.key AND a.status = 'signed')`,
		},
		{
			Name: "O9_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status <> 'processed'
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
