package recordstore

import (
	"encoding/base64"
	"encoding/json"

	"vidpipe/apperr"
)

// cursor is the decoded form of the opaque continuation token. Position
// is backend specific: a raw index key for pebble, the DynamoDB
// LastEvaluatedKey for dynamo.
type cursor struct {
	Scope      string            `json:"s"`
	Descending bool              `json:"d"`
	Key        string            `json:"k,omitempty"`
	Position   map[string]string `json:"p,omitempty"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor parses token and checks it was issued for the same query
// shape. An empty token decodes to nil.
func decodeCursor(token string, q ListQuery) (*cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperr.New(apperr.BadRequest, "malformed cursor")
	}
	if c.Scope != q.scope() || c.Descending != q.Descending {
		return nil, apperr.New(apperr.BadRequest, "cursor does not match this query")
	}
	return &c, nil
}
