package clickhouse

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is the base URI plus the query parameters sent with every request.
type Endpoint struct {
	base   url.URL
	params url.Values
}

// NewEndpoint builds the fixed parameter set for uri.
func NewEndpoint(uri, database, user, password string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimRight(uri, "/") + "/")
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse http_uri: %w", err)
	}
	u.RawQuery = ""
	params := url.Values{}
	params.Set("database", database)
	params.Set("user", user)
	params.Set("password", password)
	params.Set("input_format_skip_unknown_fields", "1")
	return Endpoint{base: *u, params: params}, nil
}

// Base returns the endpoint URI for logs: no query, password redacted.
func (e Endpoint) Base() string {
	return e.base.Redacted()
}

// Secure reports whether the endpoint uses TLS.
func (e Endpoint) Secure() bool {
	return e.base.Scheme == "https"
}

// QueryURL returns the request URL carrying query.
func (e Endpoint) QueryURL(query string) string {
	q := make(url.Values, len(e.params)+1)
	for k, v := range e.params {
		q[k] = v
	}
	q.Set("query", query)
	u := e.base
	u.RawQuery = q.Encode()
	return u.String()
}

// InsertQuery returns the statement used to insert a chunk into table.
func InsertQuery(table string) string {
	return fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)
}

// InsertURL returns the POST target for table.
func (e Endpoint) InsertURL(table string) string {
	return e.QueryURL(InsertQuery(table))
}
