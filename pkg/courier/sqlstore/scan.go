package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// textTimeFormat is fixed width so text timestamps compare in time order.
const textTimeFormat = "2006-01-02 15:04:05.000000000"

// timeArg converts t into the value stored for the dialect.
func (d Dialect) timeArg(t time.Time) any {
	if d.timeAsText {
		return t.UTC().Format(textTimeFormat)
	}
	return t.UTC()
}

// nullTimeArg is timeArg for optional timestamps.
func (d Dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// scanTime reads a timestamp stored as time.Time or text.
type scanTime struct {
	Time  time.Time
	Valid bool
}

func (st *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		st.Time, st.Valid = time.Time{}, false
		return nil
	case time.Time:
		st.Time, st.Valid = v, true
		return nil
	case string:
		return st.parse(v)
	case []byte:
		return st.parse(string(v))
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (st *scanTime) parse(s string) error {
	for _, layout := range []string{textTimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			st.Time, st.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

func (st scanTime) ptr() *time.Time {
	if !st.Valid {
		return nil
	}
	t := st.Time
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func payloadFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
