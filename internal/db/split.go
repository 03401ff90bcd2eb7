package db

import "strings"

// SplitStatements breaks a script into individual statements on semicolons.
// Semicolons inside quoted strings, quoted identifiers, comments and
// dollar-quoted bodies do not terminate a statement. Chunks that hold only
// comments or whitespace are dropped.
func SplitStatements(sqlText string) []string {
	var (
		out       []string
		current   strings.Builder
		hasCode   bool
		quote     byte
		dollarTag string
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" && hasCode {
			out = append(out, stmt)
		}
		current.Reset()
		hasCode = false
	}

	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]

		switch {
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		case dollarTag != "":
			if strings.HasPrefix(sqlText[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(c)
			continue
		}

		switch c {
		case '\'', '"', '`':
			quote = c
			hasCode = true
			current.WriteByte(c)
		case '-':
			if i+1 < len(sqlText) && sqlText[i+1] == '-' {
				end := strings.IndexByte(sqlText[i:], '\n')
				if end < 0 {
					end = len(sqlText) - i
				}
				current.WriteString(sqlText[i : i+end])
				i += end - 1
				continue
			}
			hasCode = true
			current.WriteByte(c)
		case '/':
			if i+1 < len(sqlText) && sqlText[i+1] == '*' {
				end := strings.Index(sqlText[i+2:], "*/")
				if end < 0 {
					end = len(sqlText) - i
				} else {
					end += 4
				}
				current.WriteString(sqlText[i : i+end])
				i += end - 1
				continue
			}
			hasCode = true
			current.WriteByte(c)
		case '$':
			hasCode = true
			if tag := dollarQuoteTag(sqlText[i:]); tag != "" {
				dollarTag = tag
				current.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			current.WriteByte(c)
		case ';':
			flush()
		default:
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				hasCode = true
			}
			current.WriteByte(c)
		}
	}
	flush()
	return out
}

// dollarQuoteTag returns the opening tag ($$ or $name$) at the start of s.
// Positional parameters such as $1 are not tags.
func dollarQuoteTag(s string) string {
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case c == '$':
			return s[:j+1]
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case c >= '0' && c <= '9' && j > 1:
		default:
			return ""
		}
	}
	return ""
}
