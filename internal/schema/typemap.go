package schema

import "strings"

// typeMap is the deterministic MySQL→PostgreSQL base type mapping. Types that
// carry their arguments across (decimal, char, varchar, bit) are handled in
// TranslateType.
var typeMap = map[string]string{
	"int":       "integer",
	"integer":   "integer",
	"bigint":    "bigint",
	"smallint":  "smallint",
	"mediumint": "integer",
	"tinyint":   "smallint",

	"float":  "real",
	"double": "double precision",
	"real":   "double precision",

	"text":       "text",
	"tinytext":   "text",
	"mediumtext": "text",
	"longtext":   "text",

	"datetime":  "timestamp",
	"timestamp": "timestamp",
	"date":      "date",
	"time":      "time",
	"year":      "integer",

	"boolean": "boolean",
	"bool":    "boolean",

	"binary":     "bytea",
	"varbinary":  "bytea",
	"blob":       "bytea",
	"tinyblob":   "bytea",
	"mediumblob": "bytea",
	"longblob":   "bytea",

	"json": "jsonb",
}

// TranslateType converts a lowercased MySQL column type (as produced by
// ddl.Parse, e.g. "varchar(100)" or "decimal(10,2)") into its PostgreSQL
// counterpart. Unknown MySQL types fall back to text with known=false; the
// caller logs that fallback.
func TranslateType(rawType string) (pgType string, known bool) {
	base, args := splitType(rawType)

	switch base {
	case "decimal", "numeric":
		if args != "" {
			return "numeric(" + args + ")", true
		}
		return "numeric", true
	case "char":
		if args != "" {
			return "character(" + args + ")", true
		}
		return "character(1)", true
	case "varchar":
		if args != "" {
			return "character varying(" + args + ")", true
		}
		return "character varying", true
	case "bit":
		if args != "" {
			return "bit(" + args + ")", true
		}
		return "bit", true
	}

	if pg, ok := typeMap[base]; ok {
		return pg, true
	}
	return "text", false
}

// IsTinyInt1 reports whether a raw MySQL type is exactly TINYINT(1), the
// candidate for boolean inference.
func IsTinyInt1(rawType string) bool {
	base, args := splitType(rawType)
	return base == "tinyint" && args == "1"
}

// splitType separates a raw type into its base name and parenthesized
// arguments, dropping display modifiers (unsigned, zerofill) and character
// set clauses.
func splitType(rawType string) (base, args string) {
	s := strings.TrimSpace(strings.ToLower(rawType))
	if i := strings.Index(s, " character set"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, " collate"); i >= 0 {
		s = s[:i]
	}

	if open := strings.IndexByte(s, '('); open >= 0 {
		if close := strings.IndexByte(s[open:], ')'); close > 0 {
			base = strings.TrimSpace(s[:open])
			args = strings.ReplaceAll(s[open+1:open+close], " ", "")
			return base, args
		}
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s, ""
}
