package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	pairCodePattern    = regexp.MustCompile(`pairCode:(\S+)`)
	loginStatusPattern = regexp.MustCompile(`loginStatus:(\S+)`)
	resultPattern      = regexp.MustCompile(`Base64StrEncode encoded_result_([A-Za-z0-9+/=_-]+)`)
	sendTagPattern     = regexp.MustCompile(`tags_(\w+)`)
)

const sendResultMarker = "message_send_result"

// ActionResult is one per-target outcome a worker reports as a base64 JSON marker.
type ActionResult struct {
	Number       string          `json:"number"`
	TargetNumber string          `json:"target_number"`
	MethodType   string          `json:"methodType"`
	Code         json.Number     `json:"code"`
	Result       json.RawMessage `json:"result,omitempty"`
	RawResult    json.RawMessage `json:"raw_result,omitempty"`
}

// SendResult is a "message_send_result ... tags_<target>_<code>" line.
type SendResult struct {
	TargetNumber string `json:"target_number"`
	Code         string `json:"code"`
}

// firstMatch returns the first capture of re in line, if any.
func firstMatch(re *regexp.Regexp, line string) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseActionResult decodes the payload of a Base64StrEncode marker line.
func ParseActionResult(line string) (ActionResult, bool) {
	payload, ok := firstMatch(resultPattern, line)
	if !ok {
		return ActionResult{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return ActionResult{}, false
		}
	}
	var res ActionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ActionResult{}, false
	}
	return res, true
}

// ParseSendResult reads the target and code from a message_send_result line.
func ParseSendResult(line string) (SendResult, bool) {
	if !strings.Contains(line, sendResultMarker) {
		return SendResult{}, false
	}
	key, ok := firstMatch(sendTagPattern, line)
	if !ok {
		return SendResult{}, false
	}
	target, code, _ := strings.Cut(key, "_")
	if target == "" {
		return SendResult{}, false
	}
	return SendResult{TargetNumber: target, Code: code}, true
}
