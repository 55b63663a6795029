package model

// Cursor is the opaque pull-resumption marker persisted locally between
// sync cycles. The remote wire profile (spec §6) orders rows by
// (updated_at, id), so the cursor needs both fields to break ties the same
// way the remote query does; a timestamp alone can strand rows that share
// a microsecond.
type Cursor struct {
	UpdatedAt string // RFC3339Nano, as returned by the remote
	ID        string
}

// Zero reports whether the cursor has never been advanced, i.e. this is a
// first sync and the snapshot-bootstrap threshold check applies.
func (c Cursor) Zero() bool {
	return c.UpdatedAt == "" && c.ID == ""
}
