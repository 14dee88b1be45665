package pgcluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dsn is a connection descriptor of a single host: address, credentials and
// parameters in the libpq keyword/value or URL form.
type Dsn string

// String returns the descriptor with the password removed.
func (d Dsn) String() string {
	return d.Redacted()
}

// Redacted returns the descriptor with the password removed, suitable for
// logs.
func (d Dsn) Redacted() string {
	s := string(d)
	if isURL(s) {
		schemeEnd := strings.Index(s, "://") + 3
		rest := s[schemeEnd:]
		at := strings.LastIndex(rest, "@")
		if slash := strings.Index(rest, "/"); slash >= 0 && at > slash {
			at = -1
		}
		if at < 0 {
			return s
		}
		userinfo := rest[:at]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			userinfo = userinfo[:colon]
		}
		return s[:schemeEnd] + userinfo + rest[at:]
	}

	fields := splitKeywords(s)
	kept := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "password=") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// HostPort returns "host:port" of the descriptor.
func (d Dsn) HostPort() string {
	cfg, err := pgconn.ParseConfig(string(d))
	if err != nil {
		return ""
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// Host returns the host name of the descriptor.
func (d Dsn) Host() string {
	cfg, err := pgconn.ParseConfig(string(d))
	if err != nil {
		return ""
	}
	return cfg.Host
}

// SplitByHost splits a multi-host descriptor into descriptors of single
// hosts. Hosts keep their order, duplicates are dropped. All parameters
// except the host list are kept as is.
func SplitByHost(dsn Dsn) ([]Dsn, error) {
	cfg, err := pgconn.ParseConfig(string(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid dsn %q: %s", ErrConfiguration,
			dsn.Redacted(), err)
	}

	hosts := []string{net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))}
	for _, fb := range cfg.Fallbacks {
		hosts = append(hosts, net.JoinHostPort(fb.Host, strconv.Itoa(int(fb.Port))))
	}

	seen := make(map[string]bool, len(hosts))
	dsns := make([]Dsn, 0, len(hosts))
	for _, hp := range hosts {
		if seen[hp] {
			continue
		}
		seen[hp] = true
		host, port, _ := net.SplitHostPort(hp)
		if isURL(string(dsn)) {
			dsns = append(dsns, withURLHost(string(dsn), host, port))
		} else {
			dsns = append(dsns, withKeywordHost(string(dsn), host, port))
		}
	}
	return dsns, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

func withURLHost(s, host, port string) Dsn {
	schemeEnd := strings.Index(s, "://") + 3
	rest := s[schemeEnd:]

	hostEnd := strings.IndexAny(rest, "/?")
	if hostEnd < 0 {
		hostEnd = len(rest)
	}
	authority, tail := rest[:hostEnd], rest[hostEnd:]

	userinfo := ""
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo = authority[:at+1]
	}

	if q := strings.Index(tail, "?"); q >= 0 {
		params := strings.Split(tail[q+1:], "&")
		kept := params[:0]
		for _, p := range params {
			if strings.HasPrefix(p, "host=") || strings.HasPrefix(p, "port=") ||
				strings.HasPrefix(p, "hostaddr=") {
				continue
			}
			kept = append(kept, p)
		}
		tail = tail[:q]
		if len(kept) > 0 {
			tail += "?" + strings.Join(kept, "&")
		}
	}

	return Dsn(s[:schemeEnd] + userinfo + net.JoinHostPort(host, port) + tail)
}

func withKeywordHost(s, host, port string) Dsn {
	params := []string{"host=" + quoteDsnValue(host), "port=" + port}
	for _, kv := range splitKeywords(s) {
		key := kv
		if eq := strings.Index(kv, "="); eq >= 0 {
			key = strings.TrimSpace(kv[:eq])
		}
		switch key {
		case "host", "hostaddr", "port":
			continue
		}
		params = append(params, kv)
	}
	return Dsn(strings.Join(params, " "))
}

// splitKeywords splits "k1=v1 k2='v 2'" into key=value tokens keeping the
// quoting of values.
func splitKeywords(s string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '\'':
			quoted = !quoted
		case (r == ' ' || r == '\t' || r == '\n') && !quoted:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return mergeSpacedEquals(tokens)
}

// mergeSpacedEquals joins tokens of "key = value" written with spaces
// around the equal sign.
func mergeSpacedEquals(tokens []string) []string {
	merged := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "=" && len(merged) > 0 && i+1 < len(tokens):
			merged[len(merged)-1] += "=" + tokens[i+1]
			i++
		case strings.HasSuffix(tok, "=") && i+1 < len(tokens) && !strings.Contains(tokens[i+1], "="):
			merged = append(merged, tok+tokens[i+1])
			i++
		case strings.HasPrefix(tok, "=") && len(merged) > 0:
			merged[len(merged)-1] += tok
		default:
			merged = append(merged, tok)
		}
	}
	return merged
}

func quoteDsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// EscapeHostName converts a host name into the application name a replica
// uses by default when it streams from the primary: lower case, every
// character except letters, digits and underscore replaced by underscore.
func EscapeHostName(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range strings.ToLower(host) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
