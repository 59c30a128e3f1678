package queue

import (
	"fmt"

	"github.com/shardq/project/internal/schema"
)

func createTableSQL(q Queue, r schema.IdentifierRange) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id bigint GENERATED ALWAYS AS IDENTITY (MINVALUE %[2]d MAXVALUE %[3]d START WITH %[2]d) PRIMARY KEY,
  shard integer NOT NULL,
  key text,
  data bytea NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  scheduled_at timestamptz NOT NULL DEFAULT now(),
  remaining_attempts integer NOT NULL
)`, q.TableName(), r.Start, r.End)
}

// identityBoundsSQL reads the bounds of the id sequence of table $1.
const identityBoundsSQL = `
SELECT s.seqmin, s.seqmax
FROM pg_sequence s
WHERE s.seqrelid = pg_get_serial_sequence($1, 'id')::regclass`

func createScheduledIndexSQL(q Queue) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_scheduled_at ON %[1]s (scheduled_at)`, q.TableName())
}

func insertSQL(q Queue) string {
	return fmt.Sprintf(`
INSERT INTO %s (shard, key, data, scheduled_at, remaining_attempts)
VALUES ($1, NULLIF($2, ''), $3, now() + ($4::bigint * interval '1 millisecond'), $5)
RETURNING id`, q.TableName())
}

// receiveSQL picks due messages, pushes them out of sight for the visibility
// timeout and burns one attempt. With restrictShards only $3 shards are read.
func receiveSQL(q Queue, restrictShards bool) string {
	shardFilter := ""
	if restrictShards {
		shardFilter = " AND shard = ANY($3)"
	}
	return fmt.Sprintf(`
WITH picked AS (
  SELECT id FROM %[1]s
  WHERE scheduled_at <= now() AND remaining_attempts > 0%[2]s
  ORDER BY scheduled_at, id
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS m
SET scheduled_at = now() + ($2::bigint * interval '1 millisecond'),
    remaining_attempts = m.remaining_attempts - 1
FROM picked
WHERE m.id = picked.id
RETURNING m.id, m.shard, COALESCE(m.key, ''), m.data, m.created_at, m.remaining_attempts`, q.TableName(), shardFilter)
}

func deleteSQL(q Queue) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, q.TableName())
}

func sweepSQL(q Queue) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE remaining_attempts <= 0 AND scheduled_at <= now()`, q.TableName())
}
