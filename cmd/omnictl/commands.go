package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type command struct {
	method  string
	usage   string
	args    []string // required positional fields, in order
	request func(args []string) (map[string]any, error)
	text    textRenderer
}

var commands = map[string]command{
	"status":     {method: "Status", usage: "[provider]", text: textStatus},
	"connect":    {method: "Connect", usage: "<provider>", args: []string{"provider"}, text: textProvider},
	"disconnect": {method: "Disconnect", usage: "<provider>", args: []string{"provider"}, text: textProvider},
	"auth":       {method: "SubmitAuth", usage: "<provider> <value>", args: []string{"provider", "value"}, text: textAuth},
	"abandon":    {method: "AbandonAuth", usage: "<provider>", args: []string{"provider"}, text: textAuth},
	"logout":     {method: "Logout", usage: "<provider>", args: []string{"provider"}, text: textLogout},
	"roster":     {method: "GetRoster", usage: "<provider>", args: []string{"provider"}, text: textRoster},
	"open":       {method: "OpenChat", usage: "<provider> <chat>", args: []string{"provider", "chat_id"}, text: textMessages},
	"close":      {method: "CloseChat", usage: "<provider>", args: []string{"provider"}, text: textProvider},
	"messages":   {method: "GetMessages", usage: "<provider> <chat>", args: []string{"provider", "chat_id"}, text: textMessages},
	"history":    {method: "LoadHistory", usage: "<provider> <chat> [cursor]", args: []string{"provider", "chat_id"}, text: textHistory},
	"send":       {method: "SendMessage", usage: "<provider> <chat> <text...>", args: []string{"provider", "chat_id"}, text: textSend},
	"retry":      {method: "RetrySend", usage: "<provider> <client-msg-id>", args: []string{"provider", "client_msg_id"}, text: textSend},
	"context":    {method: "GetContext", usage: "<provider> <chat> [n]", args: []string{"provider", "chat_id"}, text: textMessages},
	"search":     {method: "Search", usage: "<provider> <query> [chat]", args: []string{"provider", "query"}, text: textSearch},
}

func init() {
	for name, cmd := range commands {
		cmd.request = requestBuilder(name, cmd.args)
		commands[name] = cmd
	}
}

// requestBuilder maps positional args onto the named fields. Trailing
// args are command specific.
func requestBuilder(name string, fields []string) func([]string) (map[string]any, error) {
	return func(args []string) (map[string]any, error) {
		if len(args) < len(fields) {
			return nil, fmt.Errorf("missing %s", strings.Join(fields[len(args):], ", "))
		}
		req := make(map[string]any, len(fields)+1)
		for i, f := range fields {
			req[f] = args[i]
		}
		rest := args[len(fields):]

		switch name {
		case "status":
			if len(rest) > 0 {
				req["provider"] = rest[0]
			}
		case "history":
			if len(rest) > 0 {
				req["cursor"] = rest[0]
			}
		case "send":
			if len(rest) == 0 {
				return nil, fmt.Errorf("missing text")
			}
			req["body"] = strings.Join(rest, " ")
		case "context":
			if len(rest) > 0 {
				n, err := strconv.Atoi(rest[0])
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("n must be a positive number, got %q", rest[0])
				}
				req["n"] = n
			}
		case "search":
			if len(rest) > 0 {
				req["chat_id"] = rest[0]
			}
		default:
			if len(rest) > 0 {
				return nil, fmt.Errorf("unexpected argument %q", rest[0])
			}
		}
		return req, nil
	}
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
