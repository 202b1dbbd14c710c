// Package annotation reads typed directives embedded in job and step descriptions.
//
// A directive is a line of the form
//
//	@NAME=value
//
// Directives may appear in any order and anywhere in the text; lines that are not directives
// are ignored. Names are case-insensitive.
package annotation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownDirective = errors.New("unknown directive")
	ErrWrongKind        = errors.New("directive read as the wrong kind")
)

// Kind is the declared value type of a directive
type Kind int

const (
	KindBool Kind = iota
	KindDuration
	KindString
	KindList
)

func (k Kind) String() string {
	return [...]string{"bool", "duration", "string", "list"}[k]
}

// Table maps a directive name to its declared kind
type Table map[string]Kind

const (
	RunInParallel     = "RUN_IN_PARALLEL"
	JobStepTimeout    = "JOB_STEP_TIMEOUT"
	DatabaseName      = "DATABASE_NAME"
	DatabaseHost      = "DATABASE_HOST"
	DatabaseLogin     = "DATABASE_LOGIN"
	DatabasePassword  = "DATABASE_PASSWORD"
	DatabaseAuthQuery = "DATABASE_AUTH_QUERY"
	JobTimeout        = "JOB_TIMEOUT"
	EmailOn           = "EMAIL_ON"
	EmailTo           = "EMAIL_TO"
	EmailSubject      = "EMAIL_SUBJECT"
	EmailBody         = "EMAIL_BODY"
)

// JobDirectives is the vocabulary understood in a job's description
var JobDirectives = Table{
	JobTimeout:   KindDuration,
	EmailOn:      KindList,
	EmailTo:      KindList,
	EmailSubject: KindString,
	EmailBody:    KindString,
}

// StepDirectives is the vocabulary understood in a step's description
var StepDirectives = Table{
	RunInParallel:     KindBool,
	JobStepTimeout:    KindDuration,
	DatabaseName:      KindString,
	DatabaseHost:      KindString,
	DatabaseLogin:     KindString,
	DatabasePassword:  KindString,
	DatabaseAuthQuery: KindString,
	EmailOn:           KindList,
	EmailTo:           KindList,
	EmailSubject:      KindString,
	EmailBody:         KindString,
}

var directiveRe = regexp.MustCompile(`(?m)^[ \t]*@([A-Za-z_][A-Za-z0-9_]*)[ \t]*=(.*)$`)

// Parse extracts every directive in text into a name -> raw value map. Values are trimmed and a
// later directive with the same name wins. Text without directives yields an empty map.
func Parse(text string) map[string]string {
	values := make(map[string]string)
	for _, m := range directiveRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToUpper(m[1])
		values[name] = strings.TrimSpace(strings.TrimSuffix(m[2], "\r"))
	}
	return values
}

// Set is a parsed directive map bound to its vocabulary
type Set struct {
	table Table
	raw   map[string]string
}

// New parses text against table. Directives missing from the table are logged and dropped.
func New(table Table, text string) Set {
	raw := Parse(text)
	for name := range raw {
		if _, ok := table[name]; !ok {
			log.Warn().Str("directive", name).Msg("Ignoring unknown directive")
			delete(raw, name)
		}
	}
	return Set{table: table, raw: raw}
}

// Len is the number of recognised directives present
func (s Set) Len() int {
	return len(s.raw)
}

// Has reports whether the directive is present
func (s Set) Has(name string) bool {
	_, ok := s.raw[name]
	return ok
}

func (s Set) lookup(name string, kind Kind) (string, bool, error) {
	declared, known := s.table[name]
	if !known {
		return "", false, fmt.Errorf("%s: %w", name, ErrUnknownDirective)
	}
	if declared != kind {
		return "", false, fmt.Errorf("%s is a %s, not a %s: %w", name, declared, kind, ErrWrongKind)
	}
	raw, ok := s.raw[name]
	return raw, ok, nil
}

// Bool reads a boolean directive. found is false when the directive is absent.
func (s Set) Bool(name string) (value bool, found bool, err error) {
	raw, found, err := s.lookup(name, KindBool)
	if err != nil || !found {
		return false, found, err
	}
	value, err = decodeBool(raw)
	if err != nil {
		return false, true, fmt.Errorf("%s: %w", name, err)
	}
	return value, true, nil
}

// Duration reads a duration directive
func (s Set) Duration(name string) (value time.Duration, found bool, err error) {
	raw, found, err := s.lookup(name, KindDuration)
	if err != nil || !found {
		return 0, found, err
	}
	value, err = decodeDuration(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", name, err)
	}
	return value, true, nil
}

// String reads a string directive
func (s Set) String(name string) (value string, found bool, err error) {
	return s.lookup(name, KindString)
}

// List reads a semicolon separated list directive
func (s Set) List(name string) (value []string, found bool, err error) {
	raw, found, err := s.lookup(name, KindList)
	if err != nil || !found {
		return nil, found, err
	}
	return decodeList(raw), true, nil
}

func decodeBool(raw string) (bool, error) {
	return strconv.ParseBool(strings.TrimSuffix(raw, ";"))
}

// decodeDuration accepts a whole number of milliseconds or a Go duration string ("90s")
func decodeDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSuffix(raw, ";")
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func decodeList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ";") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
