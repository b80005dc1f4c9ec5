// Package linebridge implements session.Transport over a bridge subprocess
// that speaks a line protocol on stdin/stdout.
//
// Bridge to host, one per stdout line:
//
//	event:connecting
//	event:open registered=true
//	event:close code=515 msg=stream errored
//	creds:<base64 blob>
//	pairCode:<code>
//	pairError:<message>
//
// Host to bridge, one per stdin line:
//
//	creds <base64 blob>
//	pair <identity>
//	close
package linebridge

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/danmuck/pairctl/internal/session"
)

var ErrMalformed = errors.New("linebridge: malformed line")

type lineKind int

const (
	lineIgnored lineKind = iota
	lineEvent
	linePairCode
	linePairError
)

type parsed struct {
	kind  lineKind
	event session.Event
	text  string
}

func parseLine(line string) (parsed, error) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "event:"):
		ev, err := parseEvent(strings.TrimPrefix(line, "event:"))
		if err != nil {
			return parsed{}, err
		}
		return parsed{kind: lineEvent, event: ev}, nil
	case strings.HasPrefix(line, "creds:"):
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, "creds:")))
		if err != nil || len(blob) == 0 {
			return parsed{}, ErrMalformed
		}
		return parsed{kind: lineEvent, event: session.Event{Kind: session.EventCredentials, Credentials: blob}}, nil
	case strings.HasPrefix(line, "pairCode:"):
		code := strings.TrimSpace(strings.TrimPrefix(line, "pairCode:"))
		if code == "" {
			return parsed{}, ErrMalformed
		}
		return parsed{kind: linePairCode, text: code}, nil
	case strings.HasPrefix(line, "pairError:"):
		return parsed{kind: linePairError, text: strings.TrimSpace(strings.TrimPrefix(line, "pairError:"))}, nil
	}
	return parsed{kind: lineIgnored}, nil
}

// parseEvent reads "<kind> [key=value ...]". msg= consumes the rest of the line.
func parseEvent(body string) (session.Event, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(body), " ")
	attrs := parseAttrs(rest)
	switch name {
	case "connecting":
		return session.Event{Kind: session.EventConnecting}, nil
	case "open":
		registered, _ := strconv.ParseBool(attrs["registered"])
		return session.Event{Kind: session.EventOpen, Registered: registered}, nil
	case "close":
		code := session.CodeUnknown
		if raw, ok := attrs["code"]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return session.Event{}, ErrMalformed
			}
			code = n
		}
		return session.Event{Kind: session.EventClose, Code: code, Message: attrs["msg"]}, nil
	}
	return session.Event{}, ErrMalformed
}

func parseAttrs(s string) map[string]string {
	out := map[string]string{}
	s = strings.TrimSpace(s)
	for s != "" {
		if strings.HasPrefix(s, "msg=") {
			out["msg"] = strings.TrimPrefix(s, "msg=")
			break
		}
		field, rest, _ := strings.Cut(s, " ")
		if k, v, ok := strings.Cut(field, "="); ok {
			out[k] = v
		}
		s = strings.TrimSpace(rest)
	}
	return out
}

func credsLine(blob []byte) string {
	return "creds " + base64.StdEncoding.EncodeToString(blob) + "\n"
}

func pairLine(id string) string {
	return "pair " + id + "\n"
}

const closeLine = "close\n"
