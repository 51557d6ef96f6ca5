package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures what differs between the SQL engines.
type dialect struct {
	name       string
	driverName string
	idColumn   string
	numbered   bool // $1 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		driverName: "sqlite",
		idColumn:   "id INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driverName: "pgx",
		idColumn:   "id BIGSERIAL PRIMARY KEY",
		numbered:   true,
	}
)

// table quotes a kind for use as a table name. Kinds are validated
// identifiers; quoting keeps reserved words like "order" usable.
func table(kind string) string {
	return `"` + kind + `"`
}

func (d dialect) schema(kind string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s,
    owner_id BIGINT NOT NULL DEFAULT 0,
    modified TEXT NOT NULL,
    payload TEXT NOT NULL
)`, table(kind), d.idColumn),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_owner_idx" ON %s (owner_id)`, kind, table(kind)),
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
