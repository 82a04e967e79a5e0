package population

import (
	"fmt"
	"sort"
	"strings"
)

// CompilePredicates turns a lookup tree into per-sub-population SQL
// predicates, used by the scheduled counters to evaluate assignment in bulk.
// Values are interpolated as quoted literals: they originate from the stored
// population map, never from user input.
func CompilePredicates(keys []string, tree Node) (map[int64]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("population has no lookup keys")
	}
	for _, key := range keys {
		if strings.ContainsRune(key, 0) {
			return nil, fmt.Errorf("lookup key %q contains a NUL byte", key)
		}
	}

	paths := map[int64][]string{}
	if err := compile(keys, 0, tree, nil, paths); err != nil {
		return nil, err
	}

	predicates := make(map[int64]string, len(paths))
	for id, alternatives := range paths {
		if len(alternatives) == 1 {
			predicates[id] = alternatives[0]
			continue
		}
		sort.Strings(alternatives)
		for i, alt := range alternatives {
			alternatives[i] = "(" + alt + ")"
		}
		predicates[id] = strings.Join(alternatives, " OR ")
	}
	return predicates, nil
}

func compile(keys []string, depth int, node any, conjuncts []string, paths map[int64][]string) error {
	if id, ok := leafID(node); ok {
		if len(conjuncts) == 0 {
			return fmt.Errorf("lookup tree leaf %d above first key", id)
		}
		paths[id] = append(paths[id], strings.Join(conjuncts, " AND "))
		return nil
	}

	branch, ok := node.(Node)
	if !ok {
		return fmt.Errorf("lookup tree node is neither branch nor id: %T", node)
	}
	if depth >= len(keys) {
		return fmt.Errorf("lookup tree deeper than its %d keys", len(keys))
	}
	column := columnExpr(keys[depth])

	// explicit siblings feed the DEFAULT_CASE inequalities
	var explicit []string
	hasNullBranch := false
	for value := range branch {
		switch value {
		case ValueDefaultCase:
		case ValueIsNull:
			hasNullBranch = true
		default:
			if strings.ContainsRune(value, 0) {
				return fmt.Errorf("lookup value %q contains a NUL byte", value)
			}
			explicit = append(explicit, value)
		}
	}
	sort.Strings(explicit)

	for _, value := range explicit {
		next := append(conjuncts[:len(conjuncts):len(conjuncts)],
			fmt.Sprintf("%s = %s", column, quote(value)))
		if err := compile(keys, depth+1, branch[value], next, paths); err != nil {
			return err
		}
	}

	if child, ok := branch[ValueIsNull]; ok {
		next := append(conjuncts[:len(conjuncts):len(conjuncts)], column+" IS NULL")
		if err := compile(keys, depth+1, child, next, paths); err != nil {
			return err
		}
	}

	if child, ok := branch[ValueDefaultCase]; ok {
		next := conjuncts[:len(conjuncts):len(conjuncts)]
		if hasNullBranch {
			next = append(next, column+" IS NOT NULL")
		}
		for _, value := range explicit {
			next = append(next, fmt.Sprintf("%s <> %s", column, quote(value)))
		}
		if err := compile(keys, depth+1, child, next, paths); err != nil {
			return err
		}
	}
	return nil
}

// columnExpr renders a dotted attribute key as a SQL expression: plain column
// for single segments, JSON descent with a terminal text extraction for
// dotted ones.
func columnExpr(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) == 1 {
		return parts[0]
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1 : len(parts)-1] {
		b.WriteString("->")
		b.WriteString(quote(part))
	}
	b.WriteString("->>")
	b.WriteString(quote(parts[len(parts)-1]))
	return b.String()
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
