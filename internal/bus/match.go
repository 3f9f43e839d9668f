package bus

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// buildMatchString builds the canonical bus-daemon match rule for a
// signal interest. Subscribe and unsubscribe of the same logical
// interest must produce byte-identical strings, so this is a pure
// function of its inputs.
func buildMatchString(iface, member, extra string) string {
	var b strings.Builder
	b.WriteString("type='signal'")
	if iface != "" {
		b.WriteString(",interface='")
		b.WriteString(iface)
		b.WriteString("'")
	}
	if member != "" {
		b.WriteString(",member='")
		b.WriteString(member)
		b.WriteString("'")
	}
	if extra != "" {
		b.WriteString(",")
		b.WriteString(extra)
	}
	return b.String()
}

// checkRules evaluates a handler's extra match rules against an
// inbound message. The rule string is a comma-separated list of atoms:
//
//	argN=value   Nth positional string argument equals value
//	path=value   sender object path equals value
//
// Values may be bare or single-quoted; quoted values may contain
// commas. Evaluation short-circuits to false on the first failing or
// malformed atom; malformed input is a predicate failure, never an
// error surfaced to the caller.
func checkRules(msg *dbus.Message, rules string) bool {
	for pos := 0; pos < len(rules); {
		// Key runs up to '='.
		eq := strings.IndexByte(rules[pos:], '=')
		if eq < 0 {
			return false
		}
		key := rules[pos : pos+eq]
		pos += eq + 1

		// Value: single-quoted or bare up to the next comma.
		var val string
		if pos < len(rules) && rules[pos] == '\'' {
			end := strings.IndexByte(rules[pos+1:], '\'')
			if end < 0 {
				return false
			}
			val = rules[pos+1 : pos+1+end]
			pos += end + 2
		} else {
			end := strings.IndexByte(rules[pos:], ',')
			if end < 0 {
				end = len(rules) - pos
			}
			val = rules[pos : pos+end]
			pos += end
		}

		// Atoms are separated by single commas.
		if pos < len(rules) {
			if rules[pos] != ',' {
				return false
			}
			pos++
			if pos == len(rules) {
				return false
			}
		}

		if !checkRuleAtom(msg, key, val) {
			return false
		}
	}
	return true
}

func checkRuleAtom(msg *dbus.Message, key, val string) bool {
	if key == "path" {
		return MsgPath(msg) == val
	}
	if n, ok := strings.CutPrefix(key, "arg"); ok {
		idx, err := strconv.Atoi(n)
		if err != nil || idx < 0 || idx >= len(msg.Body) {
			return false
		}
		arg, ok := msg.Body[idx].(string)
		return ok && arg == val
	}
	// Unsupported rule key: predicate failure, not a crash.
	return false
}
