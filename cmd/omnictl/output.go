package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(s); f {
	case formatText, formatJSON, formatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

type textRenderer func(w io.Writer, out map[string]any) error

func render(w io.Writer, format outputFormat, text textRenderer, out map[string]any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	default:
		if text == nil {
			return textFields(w, out)
		}
		return text(w, out)
	}
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case float64:
		// Struct numbers are doubles; ids and millis read better unexponented.
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}

func sub(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// textFields prints top-level scalar fields as "key: value", sorted.
func textFields(w io.Writer, out map[string]any) error {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch out[k].(type) {
		case map[string]any, []any:
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", k, str(out, k)); err != nil {
			return err
		}
	}
	return nil
}

func textStatus(w io.Writer, out map[string]any) error {
	fmt.Fprintf(w, "Profile: %s\n", str(out, "profile"))
	fmt.Fprintf(w, "Uptime:  %sms\n\n", str(out, "uptime_ms"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKIND\tCHANNEL\tAUTH\tCHATS\tFAILURES\tNOTE")
	for _, p := range list(out, "providers") {
		note := str(p, "last_error")
		switch {
		case p["halted"] == true:
			note = "halted: " + note
		case p["degraded"] == true:
			note = "degraded: " + note
		case p["cache_disabled"] == true:
			note = "cache disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			str(p, "provider"), str(p, "kind"), str(p, "channel"),
			str(sub(p, "auth"), "step"), str(p, "chats"), str(p, "failures"), note)
	}
	return tw.Flush()
}

func textProvider(w io.Writer, out map[string]any) error {
	_, err := fmt.Fprintf(w, "%s: %s (auth %s)\n", str(out, "provider"), str(out, "channel"), str(sub(out, "auth"), "step"))
	return err
}

func textAuth(w io.Writer, out map[string]any) error {
	fmt.Fprintf(w, "Step: %s\n", str(out, "step"))
	if hint := str(out, "hint"); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
	if e := str(out, "error"); e != "" {
		fmt.Fprintf(w, "Rejected (%s): %s\n", str(out, "error_kind"), e)
	} else if r := str(out, "reason"); r != "" {
		fmt.Fprintf(w, "Reason: %s\n", r)
	}
	return nil
}

func textLogout(w io.Writer, out map[string]any) error {
	if e := str(out, "remote_error"); e != "" {
		_, err := fmt.Fprintf(w, "Logged out locally; backend logout failed: %s\n", e)
		return err
	}
	_, err := fmt.Fprintln(w, "Logged out.")
	return err
}

func textRoster(w io.Writer, out map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tNAME\tKIND\tUNREAD\tLAST")
	for _, c := range list(out, "chats") {
		name := terminalSafe(str(c, "name"))
		if c["can_send"] != true {
			name += " (read-only)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			str(c, "id"), name, str(c, "kind"), str(c, "unread_count"), terminalSafe(str(sub(c, "last_message"), "text")))
	}
	return tw.Flush()
}

func writeMessage(w io.Writer, m map[string]any) {
	mark := ""
	if d := str(m, "delivery"); d != "confirmed" {
		mark = " [" + d + "]"
	}
	from := str(m, "sender")
	if str(m, "direction") == "outbound" {
		from = "me"
	}
	fmt.Fprintf(w, "%s  %s: %s%s\n", str(m, "timestamp"), terminalSafe(from), terminalSafe(str(m, "body")), mark)
}

func textMessages(w io.Writer, out map[string]any) error {
	for _, m := range list(out, "messages") {
		writeMessage(w, m)
	}
	return nil
}

func textHistory(w io.Writer, out map[string]any) error {
	if err := textMessages(w, out); err != nil {
		return err
	}
	if out["offline"] == true {
		fmt.Fprintf(w, "(offline, showing cache: %s)\n", str(out, "error"))
		return nil
	}
	if next := str(out, "next"); next != "" {
		fmt.Fprintf(w, "(%s new; more with cursor %s)\n", str(out, "added"), next)
	} else {
		fmt.Fprintf(w, "(%s new; start of history)\n", str(out, "added"))
	}
	return nil
}

func textSend(w io.Writer, out map[string]any) error {
	if e := str(out, "error"); e != "" {
		_, err := fmt.Fprintf(w, "Send failed (%s): %s\nRetry with: omnictl retry <provider> %s\n", str(out, "error_kind"), e, str(out, "client_msg_id"))
		return err
	}
	_, err := fmt.Fprintf(w, "Sent %s (id %s)\n", str(out, "client_msg_id"), str(sub(out, "message"), "id"))
	return err
}

func textSearch(w io.Writer, out map[string]any) error {
	for _, h := range list(out, "hits") {
		m := sub(h, "message")
		fmt.Fprintf(w, "%s/%s  %s\n", str(m, "chat_id"), str(m, "id"), terminalSafe(str(h, "snippet")))
	}
	return nil
}

func textEvent(w io.Writer, evt map[string]any) error {
	payload, err := json.Marshal(evt["payload"])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s %s %s\n", str(evt, "occurred_at_ms"), str(evt, "source"), str(evt, "kind"), payload)
	return err
}
