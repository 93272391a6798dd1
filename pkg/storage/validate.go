package storage

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/pyson"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// validateRecords enforces business invariants on the touched fields of the
// given records after a mutation's SQL ran. Any failure is expected to roll
// back the enclosing transaction.
func (e *Engine) validateRecords(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, fields []string) error {
	if len(ids) == 0 || len(fields) == 0 {
		return nil
	}
	sub := t.WithContext(map[string]any{CtxCheckAccess: false})

	var storedNames []string
	for _, name := range fields {
		if f, err := m.Field(name); err == nil && f.Stored() {
			storedNames = append(storedNames, name)
		}
	}
	var current map[int64]map[string]any
	if len(storedNames) > 0 {
		var err error
		current, err = e.readStored(ctx, sub, m, ids, storedNames)
		if err != nil {
			return err
		}
	}

	for _, name := range fields {
		f, err := m.Field(name)
		if err != nil {
			return err
		}

		if f.Stored() {
			if f.IsRequired() {
				var missing []int64
				for _, id := range ids {
					if isEmptyValue(current[id][name]) {
						missing = append(missing, id)
					}
				}
				if len(missing) > 0 {
					return &apperrors.ValidationError{
						Kind:  apperrors.ValidationRequired,
						Model: m.Name,
						Field: name,
						IDs:   missing,
					}
				}
			}
			// Setters and defaults may have put values in place the caller
			// never passed through splitValues; re-check the stored state.
			for _, id := range ids {
				if v := current[id][name]; v != nil {
					if err := f.Validate(v); err != nil {
						return e.tagValidation(err, m, []int64{id})
					}
				}
			}
		}

		if d := f.ConstraintDomain(); !domain.Empty(d) {
			if err := e.checkDomainConstraint(ctx, sub, m, f, ids, d, current); err != nil {
				return err
			}
		}

		if err := e.checkCollectionSize(ctx, sub, m, f, ids); err != nil {
			return err
		}
	}
	return nil
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		// False booleans satisfy required; the column is set.
		return false
	}
	return false
}

// checkDomainConstraint verifies a field's domain constraint. On a foreign
// key the domain constrains the related record; on scalars it constrains the
// record itself. One search covers the whole batch either way.
func (e *Engine) checkDomainConstraint(ctx context.Context, t *Transaction, m *schema.Model, f schema.Field, ids []int64, d domain.Domain, current map[int64]map[string]any) error {
	resolved, err := resolveDomain(d, t.PysonEnv())
	if err != nil {
		return fmt.Errorf("constraint domain of %s.%s: %w", m.Name, f.FieldName(), err)
	}

	if m2o, ok := f.(*schema.Many2One); ok {
		byRelated := make(map[int64][]int64)
		for _, id := range ids {
			if rel, ok := current[id][m2o.Name].(int64); ok {
				byRelated[rel] = append(byRelated[rel], id)
			}
		}
		if len(byRelated) == 0 {
			return nil
		}
		related := make([]int64, 0, len(byRelated))
		for rel := range byRelated {
			related = append(related, rel)
		}
		target := e.registry.MustGet(m2o.Target)
		matching, err := e.search(ctx, t, target, domain.Conjoin(
			domain.Leaf{Path: schema.ColID, Op: domain.OpIn, Value: related}, resolved,
		), SearchOptions{})
		if err != nil {
			return err
		}
		if failing := subtract(related, matching); len(failing) > 0 {
			var origins []int64
			for _, rel := range failing {
				origins = append(origins, byRelated[rel]...)
			}
			return &apperrors.ValidationError{
				Kind:          apperrors.ValidationDomain,
				Model:         m.Name,
				Field:         m2o.Name,
				IDs:           origins,
				CounterDomain: resolved.String(),
			}
		}
		return nil
	}

	matching, err := e.search(ctx, t, m, domain.Conjoin(
		domain.Leaf{Path: schema.ColID, Op: domain.OpIn, Value: ids}, resolved,
	), SearchOptions{})
	if err != nil {
		return err
	}
	if failing := subtract(ids, matching); len(failing) > 0 {
		return &apperrors.ValidationError{
			Kind:          apperrors.ValidationDomain,
			Model:         m.Name,
			Field:         f.FieldName(),
			IDs:           failing,
			CounterDomain: resolved.String(),
		}
	}
	return nil
}

// checkCollectionSize enforces the declared cap on collection lengths.
func (e *Engine) checkCollectionSize(ctx context.Context, t *Transaction, m *schema.Model, f schema.Field, ids []int64) error {
	var size int
	switch rel := f.(type) {
	case *schema.One2Many:
		size = rel.Size
	case *schema.Many2Many:
		size = rel.Size
	default:
		return nil
	}
	if size <= 0 {
		return nil
	}
	for _, id := range ids {
		related, err := e.readCollection(ctx, t, m, f, id)
		if err != nil {
			return err
		}
		if len(related) > size {
			return &apperrors.ValidationError{
				Kind:    apperrors.ValidationSize,
				Model:   m.Name,
				Field:   f.FieldName(),
				IDs:     []int64{id},
				Message: fmt.Sprintf("at most %d related records allowed, got %d", size, len(related)),
			}
		}
	}
	return nil
}

// resolveDomain evaluates pyson expressions appearing as leaf values against
// the transaction context, returning a plain comparable domain.
func resolveDomain(d domain.Domain, env pyson.Env) (domain.Domain, error) {
	switch n := d.(type) {
	case nil:
		return nil, nil
	case domain.Leaf:
		if expr, ok := n.Value.(pyson.Expr); ok {
			v, err := pyson.Evaluate(expr, env)
			if err != nil {
				return nil, err
			}
			return domain.Leaf{Path: n.Path, Op: n.Op, Value: v}, nil
		}
		return n, nil
	case domain.And:
		out := make(domain.And, len(n))
		for i, c := range n {
			r, err := resolveDomain(c, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case domain.Or:
		out := make(domain.Or, len(n))
		for i, c := range n {
			r, err := resolveDomain(c, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return d, nil
}
