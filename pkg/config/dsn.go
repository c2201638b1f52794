package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const defaultPostgresPort = 5432

// ParsedDatabaseURL is a PostgreSQL connection split into its parts
type ParsedDatabaseURL struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Options are the query parameters other than sslmode
	Options map[string]string
}

// ParseDatabaseURL reads a postgres:// or postgresql:// URL. The port
// defaults to 5432 and sslmode to disable.
func ParseDatabaseURL(rawURL string) (*ParsedDatabaseURL, error) {
	if rawURL == "" {
		return nil, errors.New("database URL is empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid database URL scheme %q, want postgres or postgresql", u.Scheme)
	}

	parsed := &ParsedDatabaseURL{
		Host:     u.Hostname(),
		Port:     defaultPostgresPort,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  "disable",
		Options:  map[string]string{},
	}

	if p := u.Port(); p != "" {
		if parsed.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port in database URL: %w", err)
		}
	}
	if u.User != nil {
		parsed.User = u.User.Username()
		parsed.Password, _ = u.User.Password()
	}

	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "sslmode" {
			parsed.SSLMode = values[0]
			continue
		}
		parsed.Options[key] = values[0]
	}

	return parsed, nil
}

// ToDSN renders the libpq keyword=value form. Extra options follow the
// fixed keywords in key order.
func (p *ParsedDatabaseURL) ToDSN() string {
	pairs := []string{
		"host=" + dsnValue(p.Host),
		"port=" + strconv.Itoa(p.Port),
		"user=" + dsnValue(p.User),
		"password=" + dsnValue(p.Password),
		"dbname=" + dsnValue(p.Database),
		"sslmode=" + dsnValue(p.SSLMode),
	}

	keys := make([]string, 0, len(p.Options))
	for key := range p.Options {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		pairs = append(pairs, key+"="+dsnValue(p.Options[key]))
	}

	return strings.Join(pairs, " ")
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// dsnValue quotes values libpq would otherwise split or misread
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + dsnEscaper.Replace(v) + "'"
}

// Redacted renders the connection as a URL with the password masked, for logs
func (p *ParsedDatabaseURL) Redacted() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, "xxxxx")
	}

	query := url.Values{}
	for key, value := range p.Options {
		query.Set(key, value)
	}
	query.Set("sslmode", p.SSLMode)
	u.RawQuery = query.Encode()

	return u.String()
}
