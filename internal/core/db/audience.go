package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/pointsflow/internal/types"
)

// AudienceFilter is the normalised form of an audience query. Empty slices
// and nil bounds do not constrain the selection.
type AudienceFilter struct {
	Levels  []string
	TagsAny []string
	TagsAll []string

	MinPoints, MaxPoints       *float64
	MinExclusive, MaxExclusive bool
	Limit                      int
}

type audienceDoc struct {
	Entity   string          `json:"entity"`
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Limit    *json.Number    `json:"limit"`

	Levels    []string     `json:"levels"`
	TagsAny   []string     `json:"tagsAny"`
	TagsAll   []string     `json:"tagsAll"`
	MinPoints *json.Number `json:"minPoints"`
	MaxPoints *json.Number `json:"maxPoints"`
}

// ParseAudienceQuery accepts either the simple shape
// {entity?, field, operator?, value, limit?} or the filter shape
// {levels, tagsAny, tagsAll, minPoints, maxPoints, limit}. Both may be mixed.
// The limit is clamped to limitCap; absent or non-positive means limitCap.
func ParseAudienceQuery(raw json.RawMessage, limitCap int) (AudienceFilter, error) {
	if limitCap <= 0 || limitCap > types.MaxAudienceSize {
		limitCap = types.MaxAudienceSize
	}

	var doc audienceDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return AudienceFilter{}, fmt.Errorf("%w: %v", types.ErrInvalidAudienceQuery, err)
	}

	switch strings.ToLower(strings.TrimSpace(doc.Entity)) {
	case "", "subject", "subjects", "user", "users", "profile", "profiles":
	default:
		return AudienceFilter{}, fmt.Errorf("%w: unsupported entity %q", types.ErrInvalidAudienceQuery, doc.Entity)
	}

	f := AudienceFilter{
		Levels:  doc.Levels,
		TagsAny: doc.TagsAny,
		TagsAll: doc.TagsAll,
		Limit:   limitCap,
	}
	if doc.MinPoints != nil {
		v, err := doc.MinPoints.Float64()
		if err != nil {
			return AudienceFilter{}, fmt.Errorf("%w: minPoints: %v", types.ErrInvalidAudienceQuery, err)
		}
		f.MinPoints = &v
	}
	if doc.MaxPoints != nil {
		v, err := doc.MaxPoints.Float64()
		if err != nil {
			return AudienceFilter{}, fmt.Errorf("%w: maxPoints: %v", types.ErrInvalidAudienceQuery, err)
		}
		f.MaxPoints = &v
	}
	if doc.Limit != nil {
		v, err := doc.Limit.Float64()
		if err != nil {
			return AudienceFilter{}, fmt.Errorf("%w: limit: %v", types.ErrInvalidAudienceQuery, err)
		}
		if v > 0 && v < float64(limitCap) {
			f.Limit = int(v)
		}
	}

	if doc.Field != "" {
		if err := f.applySimple(doc); err != nil {
			return AudienceFilter{}, err
		}
	}
	return f, nil
}

func (f *AudienceFilter) applySimple(doc audienceDoc) error {
	op := strings.ToLower(strings.TrimSpace(doc.Operator))
	if op == "" {
		op = "eq"
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", types.ErrInvalidAudienceQuery, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(doc.Field) {
	case "level":
		values, err := stringValues(doc.Value)
		if err != nil {
			return invalid("level value: %v", err)
		}
		switch op {
		case "eq", "==", "in":
			f.Levels = append(f.Levels, values...)
		default:
			return invalid("operator %q not supported for level", doc.Operator)
		}
	case "tag", "tags":
		values, err := stringValues(doc.Value)
		if err != nil {
			return invalid("tags value: %v", err)
		}
		switch op {
		case "eq", "==", "contains", "in", "any":
			f.TagsAny = append(f.TagsAny, values...)
		case "all":
			f.TagsAll = append(f.TagsAll, values...)
		default:
			return invalid("operator %q not supported for tags", doc.Operator)
		}
	case "points", "balance":
		var n json.Number
		if err := json.Unmarshal(doc.Value, &n); err != nil {
			return invalid("points value must be a number")
		}
		v, err := n.Float64()
		if err != nil {
			return invalid("points value must be a number")
		}
		switch op {
		case "gt", ">":
			f.MinPoints, f.MinExclusive = &v, true
		case "gte", ">=":
			f.MinPoints = &v
		case "lt", "<":
			f.MaxPoints, f.MaxExclusive = &v, true
		case "lte", "<=":
			f.MaxPoints = &v
		case "eq", "==":
			f.MinPoints, f.MaxPoints = &v, &v
		default:
			return invalid("operator %q not supported for points", doc.Operator)
		}
	default:
		return invalid("unsupported field %q", doc.Field)
	}
	return nil
}

// stringValues accepts a string (comma separated), a number, or an array of
// either.
func stringValues(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("value is required")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var out []string
	add := func(x any) error {
		switch t := x.(type) {
		case string:
			for _, part := range strings.Split(t, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		case json.Number:
			out = append(out, t.String())
		default:
			return fmt.Errorf("unsupported value %v", x)
		}
		return nil
	}
	if arr, ok := v.([]any); ok {
		for _, x := range arr {
			if err := add(x); err != nil {
				return nil, err
			}
		}
	} else if err := add(v); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("value is empty")
	}
	return out, nil
}

// buildAudienceSQL renders f with ? placeholders; IN lists are expanded with
// sqlx.In.
func buildAudienceSQL(f AudienceFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Levels) > 0 {
		where = append(where, "s.level IN (?)")
		args = append(args, f.Levels)
	}
	if len(f.TagsAny) > 0 {
		where = append(where, "EXISTS (SELECT 1 FROM subject_tags t WHERE t.subject_id = s.subject_id AND t.tag IN (?))")
		args = append(args, f.TagsAny)
	}
	if all := dedupe(f.TagsAll); len(all) > 0 {
		where = append(where, "(SELECT COUNT(DISTINCT t.tag) FROM subject_tags t WHERE t.subject_id = s.subject_id AND t.tag IN (?)) = "+strconv.Itoa(len(all)))
		args = append(args, all)
	}
	if f.MinPoints != nil {
		op := ">="
		if f.MinExclusive {
			op = ">"
		}
		where = append(where, "COALESCE(b.balance, 0) "+op+" ?")
		args = append(args, *f.MinPoints)
	}
	if f.MaxPoints != nil {
		op := "<="
		if f.MaxExclusive {
			op = "<"
		}
		where = append(where, "COALESCE(b.balance, 0) "+op+" ?")
		args = append(args, *f.MaxPoints)
	}

	var b strings.Builder
	b.WriteString("SELECT s.subject_id FROM subjects s LEFT JOIN points_balances b ON b.subject_id = s.subject_id")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY s.subject_id LIMIT ?")
	args = append(args, f.Limit)

	if len(f.Levels) == 0 && len(f.TagsAny) == 0 && len(f.TagsAll) == 0 {
		return b.String(), args, nil
	}
	return sqlx.In(b.String(), args...)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ResolveAudience returns the subject ids matched by an audience query,
// ordered by subject id and bounded by limitCap.
func (s *Store) ResolveAudience(ctx context.Context, query json.RawMessage, limitCap int) ([]string, error) {
	f, err := ParseAudienceQuery(query, limitCap)
	if err != nil {
		return nil, err
	}
	stmt, args, err := buildAudienceSQL(f)
	if err != nil {
		return nil, fmt.Errorf("failed to build audience query: %w", err)
	}
	var ids []string
	if err := sqlx.SelectContext(ctx, s.q.ext, &ids, s.q.ext.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}
	return ids, nil
}
