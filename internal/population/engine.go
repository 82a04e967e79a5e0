package population

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"census/internal/member"
)

// Engine walks lookup trees over member attributes.
type Engine struct {
	logger *slog.Logger
}

// NewEngine builds the lookup engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// SubPopulationFor resolves a member to a sub-population id, or nil when the
// tree has no branch for the member. The walk takes the keys in their
// configured order; at each level the explicit value branch is tried first,
// IS_NULL when the attribute is null or empty, and DEFAULT_CASE only after
// every explicit sibling missed. A non-integer leaf is a configuration data
// error: it is logged and the member stays unassigned.
func (e *Engine) SubPopulationFor(ctx context.Context, p *Population, m *member.Member) *int64 {
	if p.Advanced {
		// advanced populations are evaluated by their stored criteria SQL,
		// not the attribute walk
		return nil
	}

	var node any = p.LookupMap
	for _, key := range p.LookupKeys() {
		branch, ok := node.(Node)
		if !ok {
			e.logger.ErrorContext(ctx, "lookup tree shallower than key list",
				"population_id", p.ID,
				"key", key,
			)
			return nil
		}

		value, present := AttributeValue(m, key)
		switch {
		case present && value != "":
			if next, ok := branch[value]; ok {
				node = next
				continue
			}
			if next, ok := branch[ValueDefaultCase]; ok {
				node = next
				continue
			}
			return nil
		default:
			if next, ok := branch[ValueIsNull]; ok {
				node = next
				continue
			}
			return nil
		}
	}

	id, ok := leafID(node)
	if !ok {
		e.logger.ErrorContext(ctx, "lookup tree leaf is not a sub-population id",
			"population_id", p.ID,
		)
		return nil
	}
	return &id
}

// AttributeValue extracts a member attribute by dotted path. The first
// segment names a member column or the custom_attributes / record maps;
// remaining segments descend JSON objects. Booleans serialise to the literal
// strings "true"/"false".
func AttributeValue(m *member.Member, key string) (string, bool) {
	parts := strings.Split(key, ".")
	root := parts[0]

	var value any
	switch root {
	case "first_name":
		value = m.FirstName
	case "last_name":
		value = m.LastName
	case "email":
		value = m.Email
	case "date_of_birth":
		value = m.DateOfBirth
	case "work_state":
		value = m.WorkState
	case "unique_corp_id":
		value = m.UniqueCorpID
	case "dependent_id":
		value = m.DependentID
	case "employer_assigned_id":
		value = m.EmployerAssignedID
	case "gender_code":
		value = m.GenderCode
	case "do_not_contact":
		value = m.DoNotContact
	case "custom_attributes":
		value = anyMap(m.CustomAttributes)
	case "record":
		value = stringMap(m.Record)
	default:
		return "", false
	}

	for _, part := range parts[1:] {
		obj, ok := value.(map[string]any)
		if !ok {
			return "", false
		}
		if value, ok = obj[part]; !ok {
			return "", false
		}
	}
	return stringify(value)
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringMap(r member.Record) any {
	obj := make(map[string]any, len(r))
	for k, v := range r {
		obj[k] = v
	}
	return obj
}

func stringify(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}

// leafID coerces a tree leaf to a sub-population id. JSON decoding yields
// float64; json.Number survives decoders configured for it.
func leafID(node any) (int64, bool) {
	switch v := node.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}
