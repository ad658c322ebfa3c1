package devserver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// readinessPattern is the grep -E expression for lines in which common dev
// servers announce their port. It must stay valid as both POSIX ERE and RE2.
const readinessPattern = `(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]):[0-9]{2,5}` +
	`|[Ss]erver (running |listening )?on[^0-9]*:[0-9]{2,5}` +
	`|[Pp]ort:? [0-9]{2,5}`

// busyPattern matches lines in which a server reports its port as taken
// before moving to another one. Probes drop these lines (grep -v -i -E) and
// ParsePort skips them.
const busyPattern = `in use|EADDRINUSE|already allocated`

var busyLine = regexp.MustCompile(`(?i)` + busyPattern)

// confirmPattern matches a log line mentioning port, or a ready marker.
func confirmPattern(port int) string {
	return fmt.Sprintf(`[:= ]%d([^0-9]|$)|[Rr]eady in|[Ll]istening`, port)
}

// portPatterns extract the port, most specific first.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]):(\d{2,5})\b`),
	regexp.MustCompile(`(?i)server (?:running |listening )?on\b[^\n]*?:(\d{2,5})\b`),
	regexp.MustCompile(`(?i)\bport:?\s+(\d{2,5})\b`),
}

// ParsePort returns the first port announced in a dev server log, scanning
// line by line. Lines reporting a busy port are ignored.
func ParsePort(log string) (int, bool) {
	for _, line := range strings.Split(log, "\n") {
		if busyLine.MatchString(line) {
			continue
		}
		for _, re := range portPatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			port, err := strconv.Atoi(m[1])
			if err == nil && port > 0 && port <= 65535 {
				return port, true
			}
		}
	}
	return 0, false
}
