package datasource

import (
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KindPostgres identifies the PostgreSQL connector.
const KindPostgres = "postgresql"

const (
	defaultQueryTimeout = 30 * time.Second
	defaultMaxRows      = 10000
)

var (
	pgLineComments  = regexp.MustCompile(`(?m)--.*$`)
	pgBlockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
	pgWriteCommands = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|REPLACE|MERGE|GRANT|REVOKE)\b`)
)

type postgresConnector struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	maxRows      int
	readOnly     bool
}

// NewPostgres builds a PostgreSQL connector. Accepted params: either
// connection_string, or host/database/user/password with optional port.
// query_timeout (seconds), max_result_rows, and read_only tune fetching.
// The pool connects lazily; Ping performs the first round trip.
func NewPostgres(ctx context.Context, params map[string]string) (Connector, error) {
	dsn := params["connection_string"]
	if dsn == "" {
		var err error
		dsn, err = buildPostgresDSN(params)
		if err != nil {
			return nil, err
		}
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing connection string: %v", ErrConnection, err)
	}
	config.MinConns = 1
	config.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c := &postgresConnector{
		pool:         pool,
		queryTimeout: defaultQueryTimeout,
		maxRows:      defaultMaxRows,
		readOnly:     true,
	}
	if v := params["query_timeout"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			pool.Close()
			return nil, fmt.Errorf("%w: invalid query_timeout %q", ErrConnection, v)
		}
		c.queryTimeout = time.Duration(secs) * time.Second
	}
	if v := params["max_result_rows"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			pool.Close()
			return nil, fmt.Errorf("%w: invalid max_result_rows %q", ErrConnection, v)
		}
		c.maxRows = n
	}
	if v := params["read_only"]; v != "" {
		c.readOnly = v != "false"
	}
	return c, nil
}

func buildPostgresDSN(params map[string]string) (string, error) {
	for _, key := range []string{"host", "database", "user", "password"} {
		if params[key] == "" {
			return "", fmt.Errorf("%w: %q is required", ErrConnection, key)
		}
	}
	port := params["port"]
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?connect_timeout=10",
		url.QueryEscape(params["user"]),
		url.QueryEscape(params["password"]),
		net.JoinHostPort(params["host"], port),
		url.PathEscape(params["database"]),
	), nil
}

func (c *postgresConnector) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		if strings.Contains(err.Error(), "SQLSTATE 28") {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// ListItems lists tables and views in a schema, defaulting to public. Size
// carries the row count for base tables, best effort.
func (c *postgresConnector) ListItems(ctx context.Context, path string) ([]Item, error) {
	schema := path
	if schema == "" {
		schema = "public"
	}

	rows, err := c.pool.Query(ctx,
		`SELECT table_name, table_type FROM information_schema.tables
		 WHERE table_schema = $1 ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tables: %v", ErrFetch, err)
	}
	type table struct {
		name, kind string
	}
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: listing tables: %v", ErrFetch, err)
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing tables: %v", ErrFetch, err)
	}

	now := time.Now().UTC()
	items := make([]Item, 0, len(tables))
	for _, t := range tables {
		item := Item{
			Name:       t.name,
			Path:       schema + "." + t.name,
			ModifiedAt: now,
			Kind:       t.kind,
		}
		if t.kind == "BASE TABLE" {
			var count int64
			ident := pgx.Identifier{schema, t.name}.Sanitize()
			if err := c.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident).Scan(&count); err == nil {
				item.Size = count
			} else {
				slog.Warn("row count unavailable", "table", item.Path, "error", err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Fetch executes a SQL query and writes the result to destDir as CSV. The
// file is named after the query hash so re-running the same query overwrites
// rather than accumulates. Results are capped at max_result_rows.
func (c *postgresConnector) Fetch(ctx context.Context, identifier, destDir string) (string, error) {
	if c.readOnly && isWriteQuery(identifier) {
		return "", fmt.Errorf("%w: write operations are not allowed in read-only mode", ErrFetch)
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.pool.Query(qctx, identifier)
	if err != nil {
		return "", fmt.Errorf("%w: executing query: %v", ErrFetch, err)
	}
	defer rows.Close()

	name := queryResultName(identifier)
	f, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return "", fmt.Errorf("%w: writing result file: %v", ErrFetch, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		header = append(header, fd.Name)
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("%w: writing result file: %v", ErrFetch, err)
	}

	count := 0
	truncated := false
	for rows.Next() {
		if count >= c.maxRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("%w: reading row: %v", ErrFetch, err)
		}
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("%w: writing result file: %v", ErrFetch, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		if qctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: query timeout after %s", ErrFetch, c.queryTimeout)
		}
		return "", fmt.Errorf("%w: executing query: %v", ErrFetch, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("%w: writing result file: %v", ErrFetch, err)
	}

	if truncated {
		slog.Warn("query result truncated", "rows", count, "file", name)
	}
	slog.Info("query result staged", "rows", count, "file", name)
	return name, nil
}

func (c *postgresConnector) Close() {
	c.pool.Close()
}

// isWriteQuery reports whether a statement contains a data-modifying
// command. Comments are stripped first so commented-out writes do not trip
// the guard.
func isWriteQuery(query string) bool {
	q := pgLineComments.ReplaceAllString(query, "")
	q = pgBlockComments.ReplaceAllString(q, "")
	return pgWriteCommands.MatchString(strings.ToUpper(q))
}

func queryResultName(query string) string {
	sum := md5.Sum([]byte(query))
	return fmt.Sprintf("query_result_%s.csv", hex.EncodeToString(sum[:])[:8])
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
