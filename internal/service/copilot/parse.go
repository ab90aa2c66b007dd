package copilot

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Status tokens written by the in-guest automation.
const (
	TokenUnknown          = "unknown"
	TokenConfiguring      = "configuring"
	TokenWorkspaceTrust   = "workspace-trust"
	TokenLogin            = "login"
	TokenAccountSelection = "account-selection"
	TokenAwaitingAuth     = "awaiting-auth"
	TokenPending          = "pending"
	TokenAuthenticated    = "authenticated"
	TokenTimeout          = "timeout"
	TokenError            = "error"
)

// parseOutcome tags the result of reading the in-guest status file.
type parseOutcome int

const (
	parsedToken parseOutcome = iota
	parsedNoFile
	parsedMalformed
	parsedNoMatch
)

var knownTokens = map[string]bool{
	TokenUnknown:          true,
	TokenConfiguring:      true,
	TokenWorkspaceTrust:   true,
	TokenLogin:            true,
	TokenAccountSelection: true,
	TokenAwaitingAuth:     true,
	TokenPending:          true,
	TokenAuthenticated:    true,
	TokenTimeout:          true,
	TokenError:            true,
}

// progressTokens are announced to the dashboard as they appear.
var progressTokens = map[string]bool{
	TokenConfiguring:      true,
	TokenWorkspaceTrust:   true,
	TokenLogin:            true,
	TokenAccountSelection: true,
	TokenAwaitingAuth:     true,
	TokenPending:          true,
}

// parseStatusToken interprets the raw stdout of the status-file read.
func parseStatusToken(raw string) (string, parseOutcome) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", parsedNoFile
	}
	if strings.ContainsAny(token, " \n\t") {
		return "", parsedMalformed
	}
	if !knownTokens[token] {
		return "", parsedNoMatch
	}
	return token, parsedToken
}

// deviceFile mirrors the JSON the in-guest automation writes alongside the
// status token.
type deviceFile struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// parseDeviceFile decodes the device-code JSON; empty code means no usable
// challenge yet.
func parseDeviceFile(raw string) (deviceFile, bool) {
	var d deviceFile
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &d); err != nil {
		return deviceFile{}, false
	}
	d.Code = strings.TrimSpace(d.Code)
	d.URL = strings.TrimSpace(d.URL)
	if d.Code == "" {
		return deviceFile{}, false
	}
	return d, true
}

var (
	deviceCodePattern = regexp.MustCompile(`use code ([A-Z0-9]{4}-[A-Z0-9]{4})`)
	deviceURLPattern  = regexp.MustCompile(`https://github\.com/login/(?:device|oauth)\S*`)
	readyPattern      = regexp.MustCompile(`https://vscode\.dev/tunnel/\S+`)
)

// scanTunnelLogs extracts a device-code challenge and a ready banner from
// the trailing window of tunnel-mode container logs.
func scanTunnelLogs(logs string) (code, url string, ready bool) {
	if m := deviceCodePattern.FindStringSubmatch(logs); m != nil {
		code = m[1]
		if u := deviceURLPattern.FindString(logs); u != "" {
			url = u
		}
	}
	ready = readyPattern.MatchString(logs)
	return code, url, ready
}
