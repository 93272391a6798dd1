package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"
)

// YAML model definitions. Only stored fields can be declared this way;
// function fields carry callables and are registered in code.

type fileDef struct {
	Models []modelDef `yaml:"models"`
}

type modelDef struct {
	Name        string          `yaml:"name"`
	History     bool            `yaml:"history"`
	RecName     string          `yaml:"rec_name"`
	TableQuery  string          `yaml:"table_query"`
	Order       []string        `yaml:"order"`
	Fields      []fieldDef      `yaml:"fields"`
	Constraints []constraintDef `yaml:"constraints"`
}

type fieldDef struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Required  bool     `yaml:"required"`
	ReadOnly  bool     `yaml:"readonly"`
	Sensitive bool     `yaml:"sensitive"`
	Help      string   `yaml:"help"`
	Size      int      `yaml:"size"`
	Digits    []int    `yaml:"digits"`
	Translate bool     `yaml:"translate"`
	Selection []selDef `yaml:"selection"`

	Target   string `yaml:"target"`
	OnDelete string `yaml:"ondelete"`
	Tree     string `yaml:"tree"`
	Inverse  string `yaml:"inverse"`
	Relation string `yaml:"relation"`
	// Models limits Reference targets.
	Models []string `yaml:"models"`
}

type selDef struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

type constraintDef struct {
	ID      string   `yaml:"id"`
	Unique  []string `yaml:"unique"`
	Check   string   `yaml:"check"`
	Exclude string   `yaml:"exclude"`
	Message string   `yaml:"message"`
}

// LoadDir reads every *.yaml file in dir (sorted by name) and returns the
// declared models. The caller registers them and runs Registry.SetUp.
func LoadDir(dir string) ([]*Model, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var models []*Model
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		ms, err := LoadModels(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		models = append(models, ms...)
	}
	return models, nil
}

// LoadModels parses one YAML document of model definitions.
func LoadModels(data []byte) ([]*Model, error) {
	var file fileDef
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	models := make([]*Model, 0, len(file.Models))
	for _, def := range file.Models {
		m, err := buildModel(def)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func buildModel(def modelDef) (*Model, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("model without a name")
	}
	fields := make([]Field, 0, len(def.Fields))
	for _, fd := range def.Fields {
		f, err := buildField(def, fd)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", def.Name, err)
		}
		fields = append(fields, f)
	}

	m := NewModel(def.Name, fields...)
	m.History = def.History
	m.TableQuery = def.TableQuery
	if def.RecName != "" {
		m.RecName = def.RecName
	}
	for _, o := range def.Order {
		m.Order = append(m.Order, parseOrder(o))
	}
	for _, cd := range def.Constraints {
		c, err := buildConstraint(cd)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", def.Name, err)
		}
		m.Constraints = append(m.Constraints, c)
	}
	return m, nil
}

func buildField(model modelDef, def fieldDef) (Field, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("field without a name")
	}
	base := Base{
		Name:      def.Name,
		Required:  def.Required,
		ReadOnly:  def.ReadOnly,
		Sensitive: def.Sensitive,
		Help:      def.Help,
	}

	switch def.Type {
	case "boolean":
		return &Boolean{Base: base}, nil
	case "integer":
		return &Integer{Base: base}, nil
	case "float":
		return &Float{Base: base}, nil
	case "numeric":
		f := &Numeric{Base: base}
		if len(def.Digits) == 2 {
			f.Digits = &[2]int{def.Digits[0], def.Digits[1]}
		}
		return f, nil
	case "char":
		return &Char{Base: base, Size: def.Size, Translate: def.Translate}, nil
	case "text":
		return &Text{Base: base, Translate: def.Translate}, nil
	case "selection":
		f := &Selection{Base: base}
		for _, s := range def.Selection {
			f.Options = append(f.Options, SelectionOption{Value: s.Value, Label: s.Label})
		}
		return f, nil
	case "date":
		return &Date{Base: base}, nil
	case "datetime":
		return &DateTime{Base: base}, nil
	case "time":
		return &Time{Base: base}, nil
	case "duration":
		return &Duration{Base: base}, nil
	case "binary":
		return &Binary{Base: base}, nil
	case "dict":
		return &Dict{Base: base}, nil
	case "many2one":
		if def.Target == "" {
			return nil, fmt.Errorf("field %s: many2one without target", def.Name)
		}
		return &Many2One{
			Base:     base,
			Target:   def.Target,
			OnDelete: OnDelete(strings.ToUpper(strings.ReplaceAll(def.OnDelete, "_", " "))),
			Tree:     TreeKind(def.Tree),
		}, nil
	case "one2many":
		if def.Target == "" {
			return nil, fmt.Errorf("field %s: one2many without target", def.Name)
		}
		inverse := def.Inverse
		if inverse == "" {
			// Default to the singular of the declaring model's short name:
			// "sale.sale" lines point back through a "sale" many-to-one.
			inverse = inflection.Singular(shortName(model.Name))
		}
		return &One2Many{Base: base, Target: def.Target, Inverse: inverse, Size: def.Size}, nil
	case "many2many":
		if def.Target == "" {
			return nil, fmt.Errorf("field %s: many2many without target", def.Name)
		}
		return &Many2Many{Base: base, Target: def.Target, RelationTable: def.Relation}, nil
	case "one2one":
		if def.Target == "" {
			return nil, fmt.Errorf("field %s: one2one without target", def.Name)
		}
		return &One2One{Base: base, Target: def.Target, RelationTable: def.Relation}, nil
	case "reference":
		return &Reference{Base: base, Selection: def.Models}, nil
	}
	return nil, fmt.Errorf("field %s: unknown type %q", def.Name, def.Type)
}

func buildConstraint(def constraintDef) (Constraint, error) {
	if def.ID == "" {
		return Constraint{}, fmt.Errorf("constraint without an id")
	}
	c := Constraint{ID: def.ID, Message: def.Message}
	switch {
	case len(def.Unique) > 0:
		c.Kind = Unique
		c.Columns = def.Unique
	case def.Check != "":
		c.Kind = Check
		c.Expression = def.Check
	case def.Exclude != "":
		c.Kind = Exclude
		c.Expression = def.Exclude
	default:
		return Constraint{}, fmt.Errorf("constraint %s: no unique/check/exclude body", def.ID)
	}
	return c, nil
}

func parseOrder(s string) Order {
	name, dir, found := strings.Cut(strings.TrimSpace(s), " ")
	o := Order{Field: name}
	if found && strings.EqualFold(strings.TrimSpace(dir), "desc") {
		o.Desc = true
	}
	return o
}

func shortName(model string) string {
	if i := strings.LastIndexByte(model, '.'); i >= 0 {
		return model[i+1:]
	}
	return model
}
