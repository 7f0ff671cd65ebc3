package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Filter はレコードAPIの行フィルタ（column=operator.value）を表す。
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// Eq は等価フィルタを生成する。
func Eq(column, value string) Filter {
	return Filter{Column: column, Operator: "eq", Value: value}
}

// Order は並び順を表す。
type Order struct {
	Column    string
	Ascending bool
}

// Query はレコード一覧取得の条件。
type Query struct {
	Select  string // 空の場合は"*"
	Filters []Filter
	Order   *Order
	Limit   int // 0は無制限
}

// values はQueryをクエリ文字列に変換する。
func (q Query) values() url.Values {
	v := url.Values{}
	sel := q.Select
	if sel == "" {
		sel = "*"
	}
	v.Set("select", sel)
	for _, f := range q.Filters {
		v.Add(f.Column, f.Operator+"."+f.Value)
	}
	if q.Order != nil {
		dir := "desc"
		if q.Order.Ascending {
			dir = "asc"
		}
		v.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func idFilter(id string) url.Values {
	v := url.Values{}
	v.Set("id", "eq."+id)
	return v
}

// returnRepresentation は変更後の行を応答に含めるよう要求するヘッダー。
var returnRepresentation = map[string]string{"Prefer": "return=representation"}

// ListRecords はcollectionの行をqの条件で取得し、destにデコードする。
// destはスライスへのポインタであること。
func (c *Client) ListRecords(ctx context.Context, accessToken, collection string, q Query, dest any) error {
	return c.do(ctx, request{
		op:          "rest.list",
		method:      http.MethodGet,
		path:        restPath + "/" + url.PathEscape(collection),
		query:       q.values(),
		accessToken: accessToken,
	}, dest)
}

// InsertRecord は1行を挿入し、挿入後の行をdestにデコードする。
func (c *Client) InsertRecord(ctx context.Context, accessToken, collection string, fields any, dest any) error {
	var rows []json.RawMessage
	err := c.do(ctx, request{
		op:          "rest.insert",
		method:      http.MethodPost,
		path:        restPath + "/" + url.PathEscape(collection),
		query:       url.Values{"select": {"*"}},
		body:        fields,
		accessToken: accessToken,
		headers:     returnRepresentation,
	}, &rows)
	if err != nil {
		return err
	}
	return decodeSingle("rest.insert", rows, dest)
}

// UpdateRecord はidの行を更新し、更新後の行をdestにデコードする。
// 該当行が無い場合はErrNoRowsを返す。
func (c *Client) UpdateRecord(ctx context.Context, accessToken, collection, id string, fields any, dest any) error {
	q := idFilter(id)
	q.Set("select", "*")

	var rows []json.RawMessage
	err := c.do(ctx, request{
		op:          "rest.update",
		method:      http.MethodPatch,
		path:        restPath + "/" + url.PathEscape(collection),
		query:       q,
		body:        fields,
		accessToken: accessToken,
		headers:     returnRepresentation,
	}, &rows)
	if err != nil {
		return err
	}
	return decodeSingle("rest.update", rows, dest)
}

// DeleteRecord はidの行を削除する。該当行が無くてもエラーにしない。
func (c *Client) DeleteRecord(ctx context.Context, accessToken, collection, id string) error {
	return c.do(ctx, request{
		op:          "rest.delete",
		method:      http.MethodDelete,
		path:        restPath + "/" + url.PathEscape(collection),
		query:       idFilter(id),
		accessToken: accessToken,
	}, nil)
}

// decodeSingle は行配列がちょうど1件であることを確認してdestにデコードする。
func decodeSingle(op string, rows []json.RawMessage, dest any) error {
	if len(rows) != 1 {
		if len(rows) == 0 {
			return ErrNoRows
		}
		return fmt.Errorf("%s: expected 1 row, got %d", op, len(rows))
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(rows[0], dest); err != nil {
		return fmt.Errorf("failed to decode %s row: %w", op, err)
	}
	return nil
}
