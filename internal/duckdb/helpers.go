package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// InterpolateQuery substitutes positional arguments into a query for log output.
// The result is valid DuckDB SQL for the argument types used by this module.
func InterpolateQuery(query string, args []any) string {
	var out strings.Builder
	next := 0

	for _, r := range query {
		switch {
		case r == '?' && next < len(args):
			out.WriteString(literal(args[next]))
			next++
		case r == '\n' || r == '\t':
			out.WriteByte(' ')
		default:
			out.WriteRune(r)
		}
	}

	return out.String()
}

func literal(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%v", v)
	case time.Time:
		return "'" + v.UTC().Format(time.RFC3339Nano) + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", "''") + "'"
	}
}
