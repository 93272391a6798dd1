package schema

import (
	"fmt"
	"sort"

	"github.com/quarrylabs/quarry/pkg/apperrors"
)

// Registry is the explicit process-wide model pool. It is built once at
// startup, sealed by SetUp, and passed by reference into every storage
// engine call; nothing in the engine reaches for a hidden global.
type Registry struct {
	models map[string]*Model
	order  []string
	sealed bool
}

// Referencer records that Field on Model foreign-keys into some target
// model; the delete sweep walks these.
type Referencer struct {
	Model *Model
	Field *Many2One
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds a model. Registering after SetUp or re-registering a name is
// a programming error.
func (r *Registry) Register(m *Model) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %s", m.Name)
	}
	if m.Name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if _, dup := r.models[m.Name]; dup {
		return fmt.Errorf("model %s registered twice", m.Name)
	}
	r.models[m.Name] = m
	r.order = append(r.order, m.Name)
	return nil
}

// Get resolves a model by name.
func (r *Registry) Get(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, apperrors.ErrUnknownModel)
	}
	return m, nil
}

// MustGet resolves a model by name and panics on failure. For use in setup
// code where a missing model is a programming error.
func (r *Registry) MustGet(name string) *Model {
	m, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return m
}

// Models returns all models in registration order.
func (r *Registry) Models() []*Model {
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Referencers returns every many-to-one in the registry targeting the given
// model, in deterministic order.
func (r *Registry) Referencers(target string) []Referencer {
	var out []Referencer
	for _, name := range r.order {
		m := r.models[name]
		for _, fname := range m.FieldNames() {
			f, _ := m.Field(fname)
			if m2o, ok := f.(*Many2One); ok && m2o.Target == target {
				out = append(out, Referencer{Model: m, Field: m2o})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Model.Name != out[j].Model.Name {
			return out[i].Model.Name < out[j].Model.Name
		}
		return out[i].Field.Name < out[j].Field.Name
	})
	return out
}

// SetUp resolves and checks all relational targets, fills encoding-column
// defaults, and seals the registry. Every relational field must have a
// resolvable target at setup time.
func (r *Registry) SetUp() error {
	for _, name := range r.order {
		m := r.models[name]
		for _, fname := range m.FieldNames() {
			f, _ := m.Field(fname)
			if err := r.setUpField(m, f); err != nil {
				return err
			}
		}
	}
	r.sealed = true
	return nil
}

func (r *Registry) setUpField(m *Model, f Field) error {
	switch rel := f.(type) {
	case *Many2One:
		if _, ok := r.models[rel.Target]; !ok {
			return fmt.Errorf("%s.%s targets unknown model %s", m.Name, rel.Name, rel.Target)
		}
		if rel.Tree != TreeNone {
			if rel.Target != m.Name {
				return fmt.Errorf("%s.%s: tree encoding requires a self-referential field", m.Name, rel.Name)
			}
			switch rel.Tree {
			case TreePath:
				if rel.PathField == "" {
					rel.PathField = "path"
				}
			case TreeNestedSet:
				if rel.LeftField == "" {
					rel.LeftField = "lft"
				}
				if rel.RightField == "" {
					rel.RightField = "rgt"
				}
			}
		}
	case *One2Many:
		target, ok := r.models[rel.Target]
		if !ok {
			return fmt.Errorf("%s.%s targets unknown model %s", m.Name, rel.Name, rel.Target)
		}
		inv, err := target.Field(rel.Inverse)
		if err != nil {
			return fmt.Errorf("%s.%s: inverse field %s.%s does not exist", m.Name, rel.Name, rel.Target, rel.Inverse)
		}
		m2o, ok := inv.(*Many2One)
		if !ok || m2o.Target != m.Name {
			return fmt.Errorf("%s.%s: inverse %s.%s is not a many-to-one back to %s",
				m.Name, rel.Name, rel.Target, rel.Inverse, m.Name)
		}
	case *Many2Many:
		target, ok := r.models[rel.Target]
		if !ok {
			return fmt.Errorf("%s.%s targets unknown model %s", m.Name, rel.Name, rel.Target)
		}
		if rel.RelationTable == "" {
			rel.RelationTable = m.TableName() + "_" + target.TableName() + "_rel"
		}
		if rel.OriginColumn == "" {
			rel.OriginColumn = "origin"
		}
		if rel.TargetColumn == "" {
			rel.TargetColumn = "target"
		}
	case *One2One:
		target, ok := r.models[rel.Target]
		if !ok {
			return fmt.Errorf("%s.%s targets unknown model %s", m.Name, rel.Name, rel.Target)
		}
		if rel.RelationTable == "" {
			rel.RelationTable = m.TableName() + "_" + target.TableName() + "_rel"
		}
		if rel.OriginColumn == "" {
			rel.OriginColumn = "origin"
		}
		if rel.TargetColumn == "" {
			rel.TargetColumn = "target"
		}
	case *Reference:
		for _, allowed := range rel.Selection {
			if _, ok := r.models[allowed]; !ok {
				return fmt.Errorf("%s.%s references unknown model %s", m.Name, rel.Name, allowed)
			}
		}
	case *Function:
		if rel.Getter == nil {
			return fmt.Errorf("%s.%s: function field without getter", m.Name, rel.FieldName())
		}
	}
	return nil
}
