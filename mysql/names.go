package mysql

import (
	"fmt"
	"strings"
)

// sanitizeTableName accepts plain or schema-qualified identifiers made of [A-Za-z0-9_].
func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" || strings.IndexFunc(part, notIdentRune) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func notIdentRune(r rune) bool {
	return r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z')
}

// prefixedTable returns name with prefix applied to its table part, keeping any schema.
func prefixedTable(prefix, name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i+1] + prefix + name[i+1:]
	}

	return prefix + name
}
