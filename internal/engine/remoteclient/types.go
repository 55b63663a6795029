package remoteclient

import "encoding/json"

// Row is one record as exchanged over the wire: the decoded fields plus
// the system columns carried alongside, mirroring the PostgREST-like
// minimal profile described in spec §6 (SELECT/INSERT/UPDATE with
// RETURNING id, ordered by updated_at, id).
type Row struct {
	ID        string          `json:"id"`
	UpdatedAt string          `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Version   int64           `json:"version"`
	DeviceID  string          `json:"device_id"`
	Fields    json.RawMessage `json:"fields"`
}

// PullPage is one page of rows returned for a table, ordered
// (updated_at, id) ascending per the wire profile.
type PullPage struct {
	Rows    []Row `json:"rows"`
	HasMore bool  `json:"has_more"`
}

// CreateResult is the outcome of an INSERT ... RETURNING id call.
type CreateResult struct {
	ID string `json:"id"`
}

// MutateResult is the outcome of an UPDATE ... WHERE id = :id RETURNING id
// call. RowsAffected == 0 signals an authorization rejection per spec §6
// ("the engine treats zero affected rows as an authorization rejection").
type MutateResult struct {
	RowsAffected int `json:"rows_affected"`
}

// ChangeEvent is one row emitted on the long-lived change feed (spec §6:
// "a long-lived change feed emitting {INSERT|UPDATE|DELETE, table, row}
// filtered server-side by owner").
type ChangeEvent struct {
	Op    string `json:"op"`
	Table string `json:"table"`
	Row   Row    `json:"row"`
}
