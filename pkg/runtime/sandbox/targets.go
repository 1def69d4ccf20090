package sandbox

import (
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

var (
	ipv4CIDRPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}/\d{1,2}\b`)
	ipv4Pattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)
)

// stringArgs returns the string-like execution arguments followed by external
// program argv entries.
func stringArgs(ec ExecutionContext) []string {
	var out []string
	for _, a := range ec.Args {
		if s, ok := value.AsString(a); ok {
			out = append(out, s)
		}
	}
	if ext, ok := ec.Program.(ExternalProcess); ok {
		out = append(out, ext.Args...)
	}
	return out
}

// extractHost returns the first host named by a URL, host:port pair, IPv4 or
// CIDR literal, or dotted host name among args.
func extractHost(args []string) (string, bool) {
	for _, raw := range args {
		if h, ok := hostFromToken(strings.TrimSpace(raw)); ok {
			return strings.ToLower(h), true
		}
	}
	return "", false
}

func hostFromToken(tok string) (string, bool) {
	if tok == "" {
		return "", false
	}
	if strings.Contains(tok, "://") {
		if u, err := url.Parse(tok); err == nil && u.Hostname() != "" {
			return u.Hostname(), true
		}
		return "", false
	}
	if m := ipv4CIDRPattern.FindString(tok); m != "" {
		return m, true
	}
	if host, _, err := net.SplitHostPort(tok); err == nil && host != "" {
		return host, true
	}
	if m := ipv4Pattern.FindString(tok); m != "" {
		return m, true
	}
	if tok == "localhost" {
		return tok, true
	}
	hostPart := tok
	if i := strings.IndexByte(hostPart, '/'); i > 0 {
		hostPart = hostPart[:i]
	}
	if hostnamePattern.MatchString(hostPart) {
		return hostPart, true
	}
	return "", false
}

// hostMatches reports whether host equals entry, or falls inside entry when
// entry is a CIDR block.
func hostMatches(host, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return false
	}
	if entry == host {
		return true
	}
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		if ip := net.ParseIP(host); ip != nil {
			return network.Contains(ip)
		}
		if _, inner, err := net.ParseCIDR(host); err == nil {
			ones, _ := inner.Mask.Size()
			outer, _ := network.Mask.Size()
			return ones >= outer && network.Contains(inner.IP)
		}
		return false
	}
	if ip := net.ParseIP(entry); ip != nil {
		if other := net.ParseIP(host); other != nil {
			return ip.Equal(other)
		}
	}
	return false
}

func anyHostMatches(host string, entries []string) bool {
	for _, e := range entries {
		if hostMatches(host, e) {
			return true
		}
	}
	return false
}

// extractPath returns the first path-like argument, falling back to the first
// string argument.
func extractPath(args []string) (string, bool) {
	for _, a := range args {
		if strings.HasPrefix(a, "/") || strings.HasPrefix(a, "./") || strings.HasPrefix(a, "../") {
			return a, true
		}
	}
	if len(args) > 0 && args[0] != "" {
		return args[0], true
	}
	return "", false
}

// pathWithin reports whether path lies at or below root after cleaning both.
func pathWithin(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

var writeVerbs = []string{"write", "append", "create", "delete", "remove", "mkdir", "rename", "truncate"}

// isWriteOperation infers the access mode from the last segment of a capability id.
func isWriteOperation(capabilityID string) bool {
	op := capabilityID
	if i := strings.LastIndexByte(op, '.'); i >= 0 {
		op = op[i+1:]
	}
	op = strings.ToLower(op)
	for _, verb := range writeVerbs {
		if strings.Contains(op, verb) {
			return true
		}
	}
	return false
}

func isNetworkCapability(id string) bool {
	return strings.HasPrefix(id, "ccos.network.") || strings.HasPrefix(id, "ccos.http.")
}

func isFileCapability(id string) bool {
	return strings.HasPrefix(id, "ccos.io.") || strings.HasPrefix(id, "ccos.fs.")
}
