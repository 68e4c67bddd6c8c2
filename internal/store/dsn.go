package store

import (
	"net/url"
	"regexp"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// SanitizeDSN normalizes a connection string for the given driver.
//
// URL-style DSNs (postgres://, sqlserver://) get their userinfo re-encoded
// so passwords containing @, # or % parse. MySQL DSNs are rewritten into
// the user:pass@tcp(host:port)/db form the driver expects, with parseTime
// forced on. SQLite paths are returned unchanged.
func SanitizeDSN(driver, dsn string) string {
	d, err := lookupDialect(driver)
	if err != nil {
		return dsn
	}
	switch d.name {
	case "postgres", "mssql":
		return sanitizeURLDSN(dsn)
	case "mysql":
		return sanitizeMySQLDSN(dsn)
	default:
		return dsn
	}
}

var mysqlBareHostPort = regexp.MustCompile(`^(.+)@([^(@]+:\d+)(/.*)?$`)

func sanitizeMySQLDSN(dsn string) string {
	candidates := []string{dsn}
	if idx := strings.LastIndex(dsn, "@("); idx >= 0 {
		candidates = append(candidates, dsn[:idx]+"@tcp"+dsn[idx+1:])
	}
	if m := mysqlBareHostPort.FindStringSubmatch(dsn); m != nil {
		candidates = append(candidates, m[1]+"@tcp("+m[2]+")"+m[3])
	}

	for _, c := range candidates {
		cfg, err := mysqldriver.ParseDSN(c)
		if err != nil || (cfg.Net != "tcp" && cfg.Net != "unix") {
			continue
		}
		cfg.ParseTime = true
		return cfg.FormatDSN()
	}
	return dsn
}

func sanitizeURLDSN(dsn string) string {
	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd < 0 {
		return dsn
	}

	scheme := dsn[:schemeEnd]
	rest := dsn[schemeEnd+3:]

	query := ""
	if qi := strings.IndexByte(rest, '?'); qi >= 0 {
		query = rest[qi:]
		rest = rest[:qi]
	}

	// The last '@' separates userinfo from host, so an unescaped '@' in
	// the password still splits correctly.
	atIdx := strings.LastIndex(rest, "@")
	if atIdx < 0 {
		return dsn
	}

	userinfo := rest[:atIdx]
	hostpath := rest[atIdx+1:]

	user, pass, hasPass := strings.Cut(userinfo, ":")
	user = reencode(user)
	if !hasPass {
		return scheme + "://" + user + "@" + hostpath + query
	}
	return scheme + "://" + user + ":" + reencode(pass) + "@" + hostpath + query
}

// reencode escapes s, first undoing any escaping the caller already applied.
func reencode(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		s = u
	}
	return url.PathEscape(s)
}
