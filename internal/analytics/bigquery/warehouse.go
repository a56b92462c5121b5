// Package bigquery writes analytics rows into BigQuery tables.
//
// Each target table T has a staging table T_staging with the same columns
// plus a staged_at TIMESTAMP. Rows are streamed into staging, then MERGEd
// into T on insert_id, so writing the same rows again (a retry or an operator
// replay hours later) updates them in place instead of appending copies.
// T itself is only ever written by DML.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

const (
	// StagingSuffix is appended to a table name to get its staging table.
	StagingSuffix = "_staging"

	insertIDColumn = "insert_id"
	stagedAtColumn = "staged_at"
)

// Config configures the BigQuery warehouse.
type Config struct {
	ProjectID       string `mapstructure:"project_id"`
	Dataset         string `mapstructure:"dataset"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// backend is the part of BigQuery the warehouse talks to.
type backend interface {
	// Stage streams rows into a staging table.
	Stage(ctx context.Context, table string, rows []bq.ValueSaver) error
	// Exec runs a DML statement and waits for it to finish.
	Exec(ctx context.Context, sql string, params []bq.QueryParameter) error
}

// Warehouse implements ingest.Warehouse as a keyed upsert.
type Warehouse struct {
	client  *bq.Client
	backend backend
	now     func() time.Time
}

// New opens a BigQuery client for cfg.
func New(ctx context.Context, cfg Config) (*Warehouse, error) {
	if cfg.ProjectID == "" || cfg.Dataset == "" {
		return nil, errors.New("bigquery: project_id and dataset are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bq.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	w := newWithBackend(clientBackend{client: client, dataset: client.Dataset(cfg.Dataset)})
	w.client = client
	return w, nil
}

func newWithBackend(b backend) *Warehouse {
	return &Warehouse{backend: b, now: time.Now}
}

// Insert upserts rows into table by insert ID. Server-side failures are
// reported as transient; repeating the call is safe.
func (w *Warehouse) Insert(ctx context.Context, table string, rows []ingest.AnalyticsRow) error {
	if len(rows) == 0 {
		return nil
	}
	stagedAt := w.now().UTC()
	ids := make([]string, 0, len(rows))
	columns := map[string]struct{}{}
	savers := make([]bq.ValueSaver, len(rows))
	for i, row := range rows {
		if row.InsertID == "" {
			return ingest.PermanentError("stage "+table, errors.New("row has no insert id"))
		}
		ids = append(ids, row.InsertID)
		for col := range row.Values {
			if col != insertIDColumn && col != stagedAtColumn {
				columns[col] = struct{}{}
			}
		}
		savers[i] = stagedRow{row: row, stagedAt: stagedAt}
	}

	if err := w.backend.Stage(ctx, table+StagingSuffix, savers); err != nil {
		return classify("stage "+table, err)
	}
	params := []bq.QueryParameter{{Name: "ids", Value: ids}}
	if err := w.backend.Exec(ctx, mergeSQL(table, sortedKeys(columns)), params); err != nil {
		return classify("merge "+table, err)
	}
	return nil
}

// Close releases the client.
func (w *Warehouse) Close() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}

// mergeSQL upserts the newest staged copy of each requested insert ID.
func mergeSQL(table string, columns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s AS target\n", quote(table))
	b.WriteString("USING (\n")
	fmt.Fprintf(&b, "  SELECT * EXCEPT (%s, _rank) FROM (\n", stagedAtColumn)
	fmt.Fprintf(&b, "    SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS _rank\n", insertIDColumn, stagedAtColumn)
	fmt.Fprintf(&b, "    FROM %s\n", quote(table+StagingSuffix))
	fmt.Fprintf(&b, "    WHERE %s IN UNNEST(@ids)\n", insertIDColumn)
	b.WriteString("  )\n  WHERE _rank = 1\n) AS source\n")
	fmt.Fprintf(&b, "ON target.%s = source.%s\n", insertIDColumn, insertIDColumn)
	if len(columns) > 0 {
		set := make([]string, len(columns))
		for i, col := range columns {
			set[i] = fmt.Sprintf("%s = source.%s", quote(col), quote(col))
		}
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(set, ", "))
	}
	b.WriteString("WHEN NOT MATCHED THEN INSERT ROW")
	return b.String()
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type stagedRow struct {
	row      ingest.AnalyticsRow
	stagedAt time.Time
}

// Save implements bigquery.ValueSaver. The streaming insert ID is left empty
// so the client generates one per attempt; dedupe happens in the MERGE.
func (s stagedRow) Save() (map[string]bq.Value, string, error) {
	out := make(map[string]bq.Value, len(s.row.Values)+2)
	for k, v := range s.row.Values {
		out[k] = v
	}
	out[insertIDColumn] = s.row.InsertID
	out[stagedAtColumn] = s.stagedAt
	return out, "", nil
}

type clientBackend struct {
	client  *bq.Client
	dataset *bq.Dataset
}

func (c clientBackend) Stage(ctx context.Context, table string, rows []bq.ValueSaver) error {
	return c.dataset.Table(table).Inserter().Put(ctx, rows)
}

func (c clientBackend) Exec(ctx context.Context, sql string, params []bq.QueryParameter) error {
	q := c.client.Query(sql)
	q.DefaultProjectID = c.dataset.ProjectID
	q.DefaultDatasetID = c.dataset.DatasetID
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// permanentReasons are BigQuery job error reasons a retry cannot fix.
var permanentReasons = map[string]bool{
	"invalid":      true,
	"invalidQuery": true,
	"notFound":     true,
	"accessDenied": true,
	"duplicate":    true,
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests {
			return ingest.TransientError(op, err)
		}
		return ingest.PermanentError(op, err)
	}
	var multi bq.PutMultiError
	if errors.As(err, &multi) {
		return ingest.PermanentError(op, err)
	}
	var jobErr *bq.Error
	if errors.As(err, &jobErr) && permanentReasons[jobErr.Reason] {
		return ingest.PermanentError(op, err)
	}
	return ingest.TransientError(op, err)
}
