package native

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/values"
)

// RecordSet is a reference Native Type: a forward-only SQL result cursor
// exposed to scripts as an ordinary class (`open`, `next`, `get`, `close`),
// demonstrating the native-type contract end-to-end over a real database
// driver rather than a toy payload. Driver selection by DSN scheme mirrors
// the teacher's PDO driver-resolution pattern, generalised from a
// PHP-specific PDO wrapper to any native class that needs one of several
// interchangeable backing drivers picked at runtime instead of compile
// time.
type RecordSet struct {
	mu   sync.Mutex
	db   *sql.DB
	rows *sql.Rows
	cols []string
}

// driverForScheme maps a DSN's leading `scheme://` (or `scheme:`) to the
// database/sql driver name registered by that scheme's blank import above.
func driverForScheme(dsn string) (driverName, trimmed string, err error) {
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		scheme, rest, found = strings.Cut(dsn, ":")
		if !found {
			return "", "", fmt.Errorf("recordset: dsn %q has no scheme", dsn)
		}
	}
	switch strings.ToLower(scheme) {
	case "mysql":
		return "mysql", rest, nil
	case "postgres", "postgresql":
		return "postgres", dsn, nil
	case "sqlite", "sqlite3":
		return "sqlite", rest, nil
	default:
		return "", "", fmt.Errorf("recordset: unknown driver scheme %q", scheme)
	}
}

// NativeRecordSet implements native.Type over *RecordSet payloads.
type NativeRecordSet struct{}

func (NativeRecordSet) Register(handle.TypeID) error   { return nil }
func (NativeRecordSet) OnImport(handle.TypeID) error   { return nil }
func (NativeRecordSet) Initialize(handle.TypeID) error { return nil }
func (NativeRecordSet) Terminate(handle.TypeID) error  { return nil }
func (NativeRecordSet) Unregister(handle.TypeID) error { return nil }

func (NativeRecordSet) NewObject(_ handle.TypeID, _ *CallContext) (interface{}, error) {
	return &RecordSet{}, nil
}

// MarkHandles reports no handle references: a RecordSet owns only Go-side
// database/sql state, nothing the collector needs to trace (§4.6).
func (NativeRecordSet) MarkHandles(interface{}, func(*handle.Handle)) {}

func (n NativeRecordSet) CallStatic(typeID handle.TypeID, member string, cc *CallContext) (*handle.Handle, error) {
	return nil, fmt.Errorf("recordset: no static member %q", member)
}

func (n NativeRecordSet) CallMember(typeID handle.TypeID, payload interface{}, member string, cc *CallContext) (*handle.Handle, error) {
	rs, ok := payload.(*RecordSet)
	if !ok {
		return nil, fmt.Errorf("recordset: payload is not a *RecordSet")
	}
	switch member {
	case "open":
		return nil, rs.open(cc)
	case "next":
		return rs.next(cc)
	case "get":
		return rs.get(cc)
	case "columnCount":
		return values.NewInt(cc.Pool, int64(len(rs.cols))), nil
	case "close":
		rs.close()
		return nil, nil
	default:
		return nil, fmt.Errorf("recordset: no member %q", member)
	}
}

func (NativeRecordSet) DestroyObject(_ handle.TypeID, payload interface{}) {
	if rs, ok := payload.(*RecordSet); ok {
		rs.close()
	}
}

func (rs *RecordSet) open(cc *CallContext) error {
	if len(cc.Args) < 2 {
		return fmt.Errorf("recordset.open: expected (dsn, query)")
	}
	dsn := values.AsString(cc.Args[0])
	query := values.AsString(cc.Args[1])

	driverName, trimmed, err := driverForScheme(dsn)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	db, err := sql.Open(driverName, trimmed)
	if err != nil {
		return fmt.Errorf("recordset.open: %w", err)
	}
	rows, err := db.Query(query)
	if err != nil {
		db.Close()
		return fmt.Errorf("recordset.open: query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		db.Close()
		return fmt.Errorf("recordset.open: columns: %w", err)
	}
	rs.db, rs.rows, rs.cols = db, rows, cols
	return nil
}

func (rs *RecordSet) next(cc *CallContext) (*handle.Handle, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.rows == nil {
		return values.NewInt(cc.Pool, 0), nil
	}
	if !rs.rows.Next() {
		return values.NewInt(cc.Pool, 0), nil
	}
	return values.NewInt(cc.Pool, 1), nil
}

// get scans the current row into an array of strings, the simplest value
// representation every column type can be coerced into (§4.2 array value).
func (rs *RecordSet) get(cc *CallContext) (*handle.Handle, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.rows == nil {
		return nil, fmt.Errorf("recordset.get: not open")
	}
	raw := make([]sql.NullString, len(rs.cols))
	ptrs := make([]interface{}, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rs.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("recordset.get: scan: %w", err)
	}
	result := values.NewArray(cc.Pool)
	elems := make([]*handle.Handle, len(raw))
	for i, v := range raw {
		s := ""
		if v.Valid {
			s = v.String
		}
		elems[i] = values.NewString(cc.Pool, s)
	}
	result.Payload.Array = elems
	return result, nil
}

func (rs *RecordSet) close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.rows != nil {
		rs.rows.Close()
		rs.rows = nil
	}
	if rs.db != nil {
		rs.db.Close()
		rs.db = nil
	}
}
