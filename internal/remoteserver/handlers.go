package remoteserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// wireRow is the wire-format row, matching
// internal/engine/remoteclient.Row field-for-field.
type wireRow struct {
	ID        string          `json:"id"`
	UpdatedAt string          `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Version   int64           `json:"version"`
	DeviceID  string          `json:"device_id"`
	Fields    json.RawMessage `json:"fields"`
}

type pullPage struct {
	Rows    []wireRow `json:"rows"`
	HasMore bool      `json:"has_more"`
}

func toWireRow(r Row) (wireRow, error) {
	buf, err := json.Marshal(r.Fields)
	if err != nil {
		return wireRow{}, err
	}
	var version int64
	var deviceID string
	if v, ok := r.Fields["version"]; ok {
		if f, ok := v.(float64); ok {
			version = int64(f)
		}
	}
	if d, ok := r.Fields["device_id"].(string); ok {
		deviceID = d
	}
	return wireRow{
		ID:        r.ID,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
		Version:   version,
		DeviceID:  deviceID,
		Fields:    buf,
	}, nil
}

// handleSelect implements `SELECT cols FROM t WHERE updated_at > :c ORDER
// BY updated_at, id` (spec §6), paginating with a hard page size so a
// single request can't force an unbounded table scan response.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	owner := ownerFromContext(r.Context())

	afterUpdatedAt := r.URL.Query().Get("updated_at_gt")
	afterID := r.URL.Query().Get("cursor_id")
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}

	rows, err := s.store.Select(table, owner, afterUpdatedAt, afterID, limit+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "select failed")
		return
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	// The select param narrows the response to the requested columns, the
	// way a PostgREST select list would; system columns always ride along
	// since the wire row carries them outside fields.
	var selected map[string]bool
	if raw := r.URL.Query().Get("select"); raw != "" {
		selected = map[string]bool{}
		for _, c := range strings.Split(raw, ",") {
			selected[strings.TrimSpace(c)] = true
		}
	}

	page := pullPage{HasMore: hasMore}
	for _, row := range rows {
		if selected != nil {
			narrowed := make(map[string]any, len(selected))
			for k, v := range row.Fields {
				// version/device_id feed the wire row's system columns
				// and are never subject to the select list.
				if selected[k] || k == "version" || k == "device_id" {
					narrowed[k] = v
				}
			}
			row.Fields = narrowed
		}
		wr, err := toWireRow(row)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "encode row")
			return
		}
		page.Rows = append(page.Rows, wr)
	}
	writeJSON(w, http.StatusOK, page)
}

// handleInsert implements `INSERT ... RETURNING id` (spec §6).
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	owner := ownerFromContext(r.Context())

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	if s.config.isSingleton(table) {
		has, err := s.store.HasAnyRow(table, owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "singleton check failed")
			return
		}
		if has {
			writeError(w, http.StatusConflict, "duplicate_key", "singleton row already exists")
			return
		}
	}

	row, err := s.store.Insert(table, owner, id, fields)
	if errors.Is(err, ErrDuplicateKey) {
		writeError(w, http.StatusConflict, "duplicate_key", "row already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "insert failed")
		return
	}

	s.hub.Publish(ChangeEvent{Op: "INSERT", Table: table, Row: row, OwnerID: owner})
	writeJSON(w, http.StatusOK, map[string]string{"id": row.ID})
}

// handleUpdate implements `UPDATE ... WHERE id = :id RETURNING id` (spec
// §6), treating zero affected rows as an authorization rejection by
// simply reporting rows_affected=0 and letting the caller (per spec)
// classify that as such. A delete (`deleted: true`) that matches no row
// is answered 404 instead, so the caller can treat the row as already
// gone.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	owner := ownerFromContext(r.Context())

	id := idFromFilter(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing id filter")
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	var deletedPtr *bool
	if v, ok := patch["deleted"].(bool); ok {
		deletedPtr = &v
	}

	// An increment operation (spec §3: "increment carries (field,
	// delta:number)") arrives wrapped in a reserved envelope key rather
	// than as a literal field value, since a literal PATCH merge would
	// overwrite the column with the delta instead of adding to it.
	increments := map[string]float64{}
	if raw, ok := patch[incrementEnvelopeKey].(map[string]any); ok {
		for field, v := range raw {
			if f, ok := v.(float64); ok {
				increments[field] = f
			}
		}
		delete(patch, incrementEnvelopeKey)
	}

	affected, updatedAt, err := s.store.Update(table, owner, id, patch, deletedPtr, increments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "update failed")
		return
	}
	if affected == 0 && deletedPtr != nil && *deletedPtr {
		writeError(w, http.StatusNotFound, "not_found", "row not found")
		return
	}

	if affected > 0 {
		op := "UPDATE"
		if deletedPtr != nil && *deletedPtr {
			op = "DELETE"
		}
		s.hub.Publish(ChangeEvent{Op: op, Table: table, Row: Row{ID: id, UpdatedAt: updatedAt, Fields: patch}, OwnerID: owner})
	}

	writeJSON(w, http.StatusOK, map[string]int{"rows_affected": affected})
}

// idFromFilter parses the PostgREST-style `eq.<value>` filter syntax
// remoteclient.Update sends (`?id=eq.<id>`).
func idFromFilter(raw string) string {
	return strings.TrimPrefix(raw, "eq.")
}

// handleDocUpdate accepts one collaborative-document update and fans it
// out on the owner's change feed (spec §4.I's broadcast transport). The
// bytes are relayed, not stored: durable document state lives in each
// device's own snapshot table, so the server stays a dumb pipe here.
func (s *Server) handleDocUpdate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	var req struct {
		DocID  string `json:"doc_id"`
		Origin string `json:"origin"`
		Update []byte `json:"update"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" || len(req.Update) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "doc_id and update are required")
		return
	}

	s.hub.Publish(ChangeEvent{
		Op:    "DOC_UPDATE",
		Table: "documents",
		Row: Row{
			ID:        req.DocID,
			UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Fields:    map[string]any{"origin": req.Origin, "update": req.Update},
		},
		OwnerID: owner,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleChanges streams change events for the authenticated owner as
// newline-delimited JSON until the client disconnects, implementing
// spec §6's "long-lived change feed ... filtered server-side by owner".
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	events, cancel := s.hub.Subscribe(owner)
	defer cancel()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wr, err := toWireRow(ev.Row)
			if err != nil {
				continue
			}
			line, err := json.Marshal(struct {
				Op    string  `json:"op"`
				Table string  `json:"table"`
				Row   wireRow `json:"row"`
			}{Op: ev.Op, Table: ev.Table, Row: wr})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// handleSnapshot serves nothing in the reference server: bootstrap
// snapshot support is optional per spec §6's bootstrap decision (engine
// side falls back to full replay when none is offered), so this simply
// reports 404 to exercise that fallback path in tests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no_snapshot", "no snapshot available")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
