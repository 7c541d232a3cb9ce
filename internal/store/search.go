package store

import (
	"strings"
	"unicode/utf8"
)

const snippetRadius = 32

// SearchMessages finds cached messages of provider whose body contains
// query, case-insensitively, newest first. chatID narrows the search to
// one chat when non-empty.
func (db *DB) SearchMessages(provider, query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE provider = ? AND body LIKE ? ESCAPE '\'`
	args := []any{provider, "%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY timestamp DESC, length(msg_id) DESC, msg_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match of query in body with << >> and trims the
// text around it.
func snippet(body, query string) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 || len(strings.ToLower(body)) != len(body) {
		return body
	}
	start, end := idx-snippetRadius, idx+len(query)+snippetRadius
	prefix, suffix := "...", "..."
	if start <= 0 {
		start, prefix = 0, ""
	}
	if end >= len(body) {
		end, suffix = len(body), ""
	}
	for start > 0 && !utf8.RuneStart(body[start]) {
		start--
	}
	for end < len(body) && !utf8.RuneStart(body[end]) {
		end++
	}
	return prefix + body[start:idx] + "<<" + body[idx:idx+len(query)] + ">>" + body[idx+len(query):end] + suffix
}
