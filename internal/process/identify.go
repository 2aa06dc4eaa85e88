package process

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	pidRegex  = regexp.MustCompile(`(?m)^p(\d+)`)
	nameRegex = regexp.MustCompile(`(?m)^c([^\n]+)`)
)

const lookupTimeout = 150 * time.Millisecond

// PortOwner names the local process listening on a TCP port. It returns a
// zero pid and empty name when lsof is missing or nothing listens.
func PortOwner(ctx context.Context, port int) (int, string) {
	if port <= 0 {
		return 0, ""
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	cmd := exec.CommandContext(timeoutCtx, "lsof", "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-Fpc")
	out, err := cmd.Output()
	if err != nil {
		return 0, ""
	}
	return parseLsof(string(out))
}

// parseLsof reads the first process record of lsof -F output.
func parseLsof(text string) (int, string) {
	pid := 0
	if match := pidRegex.FindStringSubmatch(text); len(match) == 2 {
		pid, _ = strconv.Atoi(match[1])
	}
	name := ""
	if match := nameRegex.FindStringSubmatch(text); len(match) == 2 {
		name = strings.TrimSpace(match[1])
	}
	return pid, name
}
