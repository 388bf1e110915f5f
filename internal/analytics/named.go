package analytics

import (
	"fmt"
	"sort"

	"github.com/untoldecay/hive/internal/types"
)

// NamedQuery is a pre-built report. SQL uses $N placeholders in the order
// listed by Parameters.
type NamedQuery struct {
	Name        string
	Description string
	SQL         string
	Parameters  []string
}

// percentileSQL returns three rows (p50, p95, p99) picked by row number
// over the ordered duration set. The pick index is floor(total*q),
// clamped to 1 for tiny sets.
func percentileSQL(durations string) string {
	return `WITH ordered AS (
  SELECT d AS value,
         ROW_NUMBER() OVER (ORDER BY d) AS rn,
         COUNT(*) OVER () AS total
  FROM (` + durations + `)
)
SELECT 'p50' AS percentile, value FROM ordered WHERE rn = MAX(1, CAST(total * 0.50 AS INTEGER))
UNION ALL
SELECT 'p95' AS percentile, value FROM ordered WHERE rn = MAX(1, CAST(total * 0.95 AS INTEGER))
UNION ALL
SELECT 'p99' AS percentile, value FROM ordered WHERE rn = MAX(1, CAST(total * 0.99 AS INTEGER))`
}

var namedQueries = map[string]NamedQuery{
	"agent-activity": {
		Name:        "agent-activity",
		Description: "Event counts, first/last activity, and active span per agent.",
		SQL: `SELECT a.name AS agent,
  COUNT(e.id) AS events,
  MIN(e.created_at) AS first_seen,
  MAX(e.created_at) AS last_seen,
  ROUND((julianday(MAX(e.created_at)) - julianday(MIN(e.created_at))) * 86400.0, 1) AS active_span_s
FROM agents a
LEFT JOIN events e ON e.project_key = a.project_key
  AND e.created_at >= $2
  AND e.created_at <= $3
  AND a.name IN (
    json_extract(e.data, '$.agent'),
    json_extract(e.data, '$.agent_name'),
    json_extract(e.data, '$.from_agent'),
    json_extract(e.data, '$.name'))
WHERE a.project_key = $1
GROUP BY a.name
ORDER BY events DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"failed-decompositions": {
		Name:        "failed-decompositions",
		Description: "Count and mean duration of unsuccessful subtask outcomes by strategy.",
		SQL: `SELECT json_extract(data, '$.strategy') AS strategy,
  COUNT(*) AS failures,
  ROUND(AVG(json_extract(data, '$.duration_ms')), 1) AS mean_duration_ms
FROM events
WHERE type = 'subtask_outcome'
  AND json_extract(data, '$.success') IN (0, 'false', false)
  AND project_key = $1
  AND created_at >= $2
  AND created_at <= $3
GROUP BY strategy
ORDER BY failures DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"strategy-success-rates": {
		Name:        "strategy-success-rates",
		Description: "Successes, failures, and success percentage by decomposition strategy.",
		SQL: `SELECT json_extract(data, '$.strategy') AS strategy,
  SUM(CASE WHEN json_extract(data, '$.success') IN (1, 'true', true) THEN 1 ELSE 0 END) AS successes,
  SUM(CASE WHEN json_extract(data, '$.success') IN (1, 'true', true) THEN 0 ELSE 1 END) AS failures,
  ROUND(100.0 * SUM(CASE WHEN json_extract(data, '$.success') IN (1, 'true', true) THEN 1 ELSE 0 END) / COUNT(*), 1) AS success_pct
FROM events
WHERE type = 'subtask_outcome'
  AND project_key = $1
  AND created_at >= $2
  AND created_at <= $3
GROUP BY strategy
ORDER BY success_pct DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"lock-contention": {
		Name:        "lock-contention",
		Description: "Reservation counts and mean hold time by path pattern.",
		SQL: `SELECT path_pattern,
  COUNT(*) AS acquisitions,
  COUNT(DISTINCT agent_name) AS agents,
  ROUND(AVG((julianday(COALESCE(released_at, expires_at)) - julianday(created_at)) * 86400.0), 1) AS mean_hold_s
FROM reservations
WHERE project_key = $1 AND created_at >= $2 AND created_at <= $3
GROUP BY path_pattern
ORDER BY acquisitions DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"message-latency": {
		Name:        "message-latency",
		Description: "p50/p95/p99 seconds from message send to first read.",
		SQL: percentileSQL(`SELECT (julianday(r.read_at) - julianday(m.created_at)) * 86400.0 AS d
  FROM message_recipients r
  JOIN messages m ON m.id = r.message_id
  WHERE m.project_key = $1 AND m.created_at >= $2 AND m.created_at <= $3 AND r.read_at IS NOT NULL`),
		Parameters: []string{"project", "since", "until"},
	},
	"task-duration": {
		Name:        "task-duration",
		Description: "p50/p95/p99 seconds from cell creation to close.",
		SQL: percentileSQL(`SELECT (julianday(closed_at) - julianday(created_at)) * 86400.0 AS d
  FROM cells
  WHERE project_key = $1 AND created_at >= $2 AND created_at <= $3 AND closed_at IS NOT NULL
    AND ($4 = '' OR parent_id = $4 OR id = $4)`),
		Parameters: []string{"project", "since", "until", "epic"},
	},
	"scope-violations": {
		Name:        "scope-violations",
		Description: "Out-of-scope file touches reported per agent.",
		SQL: `SELECT json_extract(data, '$.agent') AS agent,
  COUNT(*) AS violations,
  COUNT(DISTINCT json_extract(data, '$.path')) AS distinct_paths
FROM events
WHERE type = 'scope_violation'
  AND project_key = $1
  AND created_at >= $2
  AND created_at <= $3
GROUP BY agent
ORDER BY violations DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"checkpoint-frequency": {
		Name:        "checkpoint-frequency",
		Description: "Cursor advance counts per stream checkpoint.",
		SQL: `SELECT json_extract(data, '$.stream') AS stream,
  json_extract(data, '$.checkpoint') AS checkpoint,
  COUNT(*) AS advances,
  MAX(json_extract(data, '$.position')) AS last_position
FROM events
WHERE type = 'cursor_advanced'
  AND created_at >= $2
  AND created_at <= $3
  AND ($1 = '' OR project_key = $1)
GROUP BY stream, checkpoint
ORDER BY advances DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"recovery-success": {
		Name:        "recovery-success",
		Description: "Recovery attempt outcomes grouped by kind.",
		SQL: `SELECT json_extract(data, '$.kind') AS kind,
  SUM(CASE WHEN json_extract(data, '$.success') IN (1, 'true', true) THEN 1 ELSE 0 END) AS succeeded,
  SUM(CASE WHEN json_extract(data, '$.success') IN (1, 'true', true) THEN 0 ELSE 1 END) AS failed
FROM events
WHERE type = 'recovery_attempt'
  AND project_key = $1
  AND created_at >= $2
  AND created_at <= $3
GROUP BY kind
ORDER BY succeeded + failed DESC`,
		Parameters: []string{"project", "since", "until"},
	},
	"human-feedback": {
		Name:        "human-feedback",
		Description: "Human feedback event counts grouped by rating.",
		SQL: `SELECT json_extract(data, '$.rating') AS rating,
  COUNT(*) AS count,
  COUNT(DISTINCT json_extract(data, '$.agent')) AS agents
FROM events
WHERE type = 'human_feedback'
  AND project_key = $1
  AND created_at >= $2
  AND created_at <= $3
GROUP BY rating
ORDER BY rating`,
		Parameters: []string{"project", "since", "until"},
	},
}

// LookupNamed returns the named query, or ErrNotFound with the available
// names in the message.
func LookupNamed(name string) (NamedQuery, error) {
	q, ok := namedQueries[name]
	if !ok {
		return NamedQuery{}, fmt.Errorf("%w: unknown query %q (available: %v)", types.ErrNotFound, name, NamedQueryNames())
	}
	return q, nil
}

// NamedQueryNames lists the catalog in alphabetical order.
func NamedQueryNames() []string {
	names := make([]string, 0, len(namedQueries))
	for name := range namedQueries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
