// Package remoteclient is the HTTP client for the remote data service,
// implementing the minimal PostgREST-like wire profile from spec §6:
// ordered range reads, INSERT/UPDATE with RETURNING id, and a zero-row
// response treated as an authorization rejection. Grounded on the
// teacher's internal/syncclient/client.go request/response shape and
// do/doRequest helpers, adapted from the teacher's bespoke push/pull
// envelope to the generic per-table REST profile this module's broader
// domain (any PostgREST-fronted store, not just td's own server)
// requires.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/reconcile/internal/engine/errs"
)

// Client talks to the remote data service on behalf of the push and pull
// pipelines.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New creates a client bound to baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Select performs the ordered range read: `SELECT cols FROM t WHERE
// updated_at > :c ORDER BY updated_at, id`, with the hydration predicate
// `OR (deleted.is.null, deleted.eq.false)` folded in via includeDeleted.
// columns narrows the response to the configured columns; nil requests
// the full row.
func (c *Client) Select(ctx context.Context, table string, columns []string, afterUpdatedAt, afterID string, limit int, includeDeleted bool) (*PullPage, error) {
	params := url.Values{}
	params.Set("updated_at_gt", afterUpdatedAt)
	params.Set("cursor_id", afterID)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order", "updated_at,id")
	if len(columns) > 0 {
		params.Set("select", strings.Join(columns, ","))
	}
	if includeDeleted {
		params.Set("include_deleted", "true")
	}

	var page PullPage
	if err := c.do(ctx, "GET", fmt.Sprintf("/rest/%s?%s", table, params.Encode()), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Insert performs `INSERT ... RETURNING id` for a create operation. A 409
// response is returned as *DuplicateKeyError rather than a generic error,
// since spec §4.C treats a duplicate-key create as success (verbatim for
// ordinary tables, via singleton id reconciliation for singleton ones).
func (c *Client) Insert(ctx context.Context, table string, fields map[string]any) (*CreateResult, error) {
	var result CreateResult
	err := c.do(ctx, "POST", fmt.Sprintf("/rest/%s", table), fields, &result)
	if status, ok := HTTPStatus(err); ok && status == http.StatusConflict {
		return nil, &DuplicateKeyError{Table: table}
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Update performs `UPDATE ... WHERE id = :id RETURNING id` for set,
// increment, and delete operations alike; the caller encodes the op type
// as part of fields (e.g. a "deleted": true field for a delete). A 404
// is returned as *NotFoundError (success for a delete targeting an
// already-gone row, spec §4.C); a 200 with zero rows affected is
// returned as *ZeroRowsError so the push pipeline can distinguish an RLS
// rejection from a real authentication failure.
func (c *Client) Update(ctx context.Context, table, id string, fields map[string]any) (*MutateResult, error) {
	var result MutateResult
	err := c.do(ctx, "PATCH", fmt.Sprintf("/rest/%s?id=eq.%s", table, url.QueryEscape(id)), fields, &result)
	if status, ok := HTTPStatus(err); ok && status == http.StatusNotFound {
		return nil, &NotFoundError{Table: table, ID: id}
	}
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &ZeroRowsError{
			Error: errs.Authorization("change was not applied", fmt.Errorf("remoteclient: zero rows affected for %s/%s", table, id)),
			Table: table, ID: id,
		}
	}
	return &result, nil
}

// Increment performs the increment op type's wire mutation: unlike
// Update, deltas add onto whatever value the remote currently holds
// rather than replacing it, via the same reserved envelope key the
// reference server (internal/remoteserver) unwraps server-side (spec §3:
// "increment carries (field, delta:number)", distinct from a set's
// literal replace).
func (c *Client) Increment(ctx context.Context, table, id string, deltas map[string]any) (*MutateResult, error) {
	return c.Update(ctx, table, id, map[string]any{"__increments__": deltas})
}

// LookupSingleton fetches the single existing row for a singleton table
// (spec §4.C: "look up remote by owner" — the remote service's
// row-level authorization already scopes every request to one owner, so
// a plain ordered fetch with limit 1 is exactly that lookup). Returns nil
// if the table has no row yet for this owner.
func (c *Client) LookupSingleton(ctx context.Context, table string) (*Row, error) {
	page, err := c.Select(ctx, table, nil, "", "", 1, true)
	if err != nil {
		return nil, err
	}
	if len(page.Rows) == 0 {
		return nil, nil
	}
	return &page.Rows[0], nil
}

// apiError is the standard error body the remote service returns, plus
// the HTTP status that produced it so callers can distinguish specific
// codes (409, 404) from the broader error-kind classification.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// DuplicateKeyError signals a 409 response to a create call.
type DuplicateKeyError struct {
	Table string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("remoteclient: duplicate key creating %s", e.Table)
}

// NotFoundError signals a 404 response to an update/delete call.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remoteclient: %s/%s not found", e.Table, e.ID)
}

// ZeroRowsError signals a 200 response that affected no rows: the
// remote's row-level authorization silently rejected the write (spec
// §6). Embeds an Authorization-classified *errs.Error so generic callers
// still see it as an auth failure via errs.IsAuthorization, while the
// push pipeline type-asserts for singleton id reconciliation.
type ZeroRowsError struct {
	*errs.Error
	Table string
	ID    string
}

// HTTPStatus extracts the HTTP status code that produced err, if any.
func HTTPStatus(err error) (int, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status, true
	}
	return 0, false
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remoteclient: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("remoteclient: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", "return=representation")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Transient("could not reach sync server", fmt.Errorf("remoteclient: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transient("could not read sync server response", fmt.Errorf("remoteclient: %w", err))
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		apiErr.Status = resp.StatusCode
		kind := errs.ClassifyHTTP(resp.StatusCode, apiErr.Message)
		return errs.New(kind, friendlyForStatus(resp.StatusCode), &apiErr)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("remoteclient: unmarshal response: %w", err)
		}
	}
	return nil
}

func friendlyForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return "sync session expired"
	case status == 429:
		return "sync server is busy"
	case status >= 500:
		return "sync server is unavailable"
	default:
		return "sync request failed"
	}
}
