package database

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// connSettings splits a connection string, either URL or keyword/value form, into its settings
func connSettings(connStr string) (map[string]string, error) {
	connStr = strings.TrimSpace(connStr)
	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
		return urlSettings(connStr)
	}
	return keywordSettings(connStr)
}

func urlSettings(connStr string) (map[string]string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid connection url: %w", err)
	}

	settings := make(map[string]string)
	if u.User != nil {
		settings["user"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			settings["password"] = pw
		}
	}
	if host := u.Hostname(); host != "" {
		settings["host"] = host
	}
	if port := u.Port(); port != "" {
		settings["port"] = port
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		settings["dbname"] = db
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			settings[k] = v[len(v)-1]
		}
	}
	return settings, nil
}

// keywordSettings reads "key=value" pairs. Values may be single quoted, and a backslash escapes
// the next character.
func keywordSettings(connStr string) (map[string]string, error) {
	settings := make(map[string]string)
	s := connStr
	for {
		s = strings.TrimLeft(s, " \t\n\r")
		if s == "" {
			return settings, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid connection string: missing '=' after %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("invalid connection string: bad keyword %q", key)
		}
		s = strings.TrimLeft(s[eq+1:], " \t\n\r")

		var val strings.Builder
		quoted := strings.HasPrefix(s, "'")
		if quoted {
			s = s[1:]
		}
		closed := false
		i := 0
	scan:
		for ; i < len(s); i++ {
			switch c := s[i]; {
			case c == '\\' && i+1 < len(s):
				i++
				val.WriteByte(s[i])
			case quoted && c == '\'':
				closed = true
				i++
				break scan
			case !quoted && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
				break scan
			default:
				val.WriteByte(c)
			}
		}
		if quoted && !closed {
			return nil, fmt.Errorf("invalid connection string: unterminated quote for %q", key)
		}
		settings[key] = val.String()
		s = s[i:]
	}
}

// renderSettings writes settings back as a keyword/value connection string, every value quoted
func renderSettings(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	escape := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s='%s'", k, escape.Replace(settings[k])))
	}
	return strings.Join(parts, " ")
}
