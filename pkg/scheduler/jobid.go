package scheduler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	numericID = regexp.MustCompile(`^[0-9]+$`)
	ncpusRe   = regexp.MustCompile(`.*ncpus=([0-9]+)`)
)

// AdjustJobID qualifies a job id for the server it will be looked up on.
//
// A bare sequence number gets ".<serverHost>" appended. An "id@server"
// form names the server to reconnect to: target is that server and
// reconnect is true when it differs from serverHost. The returned id never
// carries the "@server" suffix.
func AdjustJobID(id, serverHost string) (adjusted, target string, reconnect bool) {
	id = strings.TrimSpace(id)
	target = serverHost

	if at := strings.Split(id, "@"); len(at) == 2 && at[1] != "" {
		id = at[0]
		if at[1] != serverHost {
			target = at[1]
			reconnect = true
		}
	}

	if numericID.MatchString(id) && target != "" {
		id += "." + target
	}
	return id, target, reconnect
}

// SplitMovedQueue splits a moved job's "queue@server" destination.
func SplitMovedQueue(queue string) (name, server string, ok bool) {
	parts := strings.Split(queue, "@")
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// CountCPUs sums ncpus over the '+'-separated chunks of an exec_vnode
// string. A chunk without an ncpus=N term counts as one cpu.
func CountCPUs(execVnode string) int64 {
	var total int64
	for _, chunk := range strings.Split(execVnode, "+") {
		n := int64(1)
		if m := ncpusRe.FindStringSubmatch(chunk); m != nil {
			v, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil {
				n = v
			}
		}
		total += n
	}
	return total
}

// ExecHosts returns the distinct host names of an exec_host string
// ("n1/0*2+n2/1"), sorted.
func ExecHosts(execHost string) []string {
	seen := make(map[string]struct{})
	for _, part := range strings.Split(execHost, "+") {
		host := strings.TrimSpace(strings.SplitN(part, "/", 2)[0])
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// SplitReservations splits a node's resv attribute ("R1.srv, R2.srv").
func SplitReservations(resv string) []string {
	var out []string
	for _, r := range strings.Split(resv, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
