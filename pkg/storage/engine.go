package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/logging"
	"github.com/quarrylabs/quarry/pkg/query"
	"github.com/quarrylabs/quarry/pkg/rules"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// Engine is the storage engine over a model registry. It is safe for
// concurrent use; per-request state lives on the Transaction.
type Engine struct {
	registry     *schema.Registry
	cfg          *config.EngineConfig
	log          *zap.Logger
	compiler     *query.Compiler
	rules        rules.Evaluator
	access       rules.AccessChecker
	translations rules.TranslationStore
	triggers     rules.TriggerDispatcher
	shared       *SharedCache
	stats        query.RowEstimator
}

// Options are the engine's pluggable collaborators. Zero values get
// in-memory defaults suitable for embedded use.
type Options struct {
	Rules        rules.Evaluator
	Access       rules.AccessChecker
	Translations rules.TranslationStore
	Triggers     rules.TriggerDispatcher
	Stats        query.RowEstimator
	Shared       *SharedCache
}

// New builds an engine over a sealed registry.
func New(reg *schema.Registry, cfg *config.EngineConfig, log *zap.Logger, opts Options) *Engine {
	if opts.Rules == nil || opts.Access == nil {
		mem := rules.NewMemoryRules()
		if opts.Rules == nil {
			opts.Rules = mem
		}
		if opts.Access == nil {
			opts.Access = mem
		}
	}
	if opts.Translations == nil {
		opts.Translations = rules.NewMemoryTranslations()
	}
	if opts.Triggers == nil {
		opts.Triggers = rules.NewMemoryTriggers()
	}
	return &Engine{
		registry:     reg,
		cfg:          cfg,
		log:          log,
		compiler:     &query.Compiler{Registry: reg, Engine: cfg, Stats: opts.Stats},
		rules:        opts.Rules,
		access:       opts.Access,
		translations: opts.Translations,
		triggers:     opts.Triggers,
		shared:       opts.Shared,
		stats:        opts.Stats,
	}
}

// Registry exposes the engine's model pool.
func (e *Engine) Registry() *schema.Registry { return e.registry }

// WriteGroup pairs record ids with the values written to all of them. One
// Write call carries several groups so mixed updates share a single
// validation and history pass.
type WriteGroup struct {
	IDs    []int64
	Values map[string]any
}

// splitRow is one value set partitioned by destination.
type splitRow struct {
	stored       map[string]any           // canonical values for table columns
	setters      map[string]any           // function-field setter inputs
	instructions map[string][]Instruction // collection edits
	multi        map[string]any           // multivalue overrides
	translated   map[string]string        // translatable text in a non-base language
}

// splitValues partitions a value set and validates field-local invariants.
// In a non-base language, translatable text routes to the translation store
// instead of the table (except on create, where the base table gets it too).
func (e *Engine) splitValues(t *Transaction, m *schema.Model, values map[string]any, creating bool) (*splitRow, error) {
	row := &splitRow{
		stored:       make(map[string]any),
		setters:      make(map[string]any),
		instructions: make(map[string][]Instruction),
		multi:        make(map[string]any),
		translated:   make(map[string]string),
	}
	lang := t.Language()
	for name, v := range values {
		f, err := m.Field(name)
		if err != nil {
			return nil, err
		}
		if f.IsReadOnly() && !creating {
			return nil, fmt.Errorf("%s.%s: field is read-only", m.Name, name)
		}
		switch fld := f.(type) {
		case *schema.Function:
			if fld.Setter == nil {
				return nil, fmt.Errorf("%s.%s: field is read-only", m.Name, name)
			}
			row.setters[name] = v
		case *schema.MultiValue:
			if err := fld.Validate(v); err != nil {
				return nil, e.tagValidation(err, m, nil)
			}
			row.multi[name] = v
		case *schema.One2Many, *schema.Many2Many, *schema.One2One:
			instrs, ok := v.([]Instruction)
			if !ok {
				return nil, fmt.Errorf("%s.%s: collection fields take instructions, got %T", m.Name, name, v)
			}
			row.instructions[name] = instrs
		default:
			if err := f.Validate(v); err != nil {
				return nil, e.tagValidation(err, m, nil)
			}
			if translatable(f) && lang != DefaultLanguage {
				text, _ := v.(string)
				row.translated[name] = text
				if !creating {
					continue
				}
			}
			row.stored[name] = v
		}
	}
	return row, nil
}

func translatable(f schema.Field) bool {
	switch fld := f.(type) {
	case *schema.Char:
		return fld.Translate
	case *schema.Text:
		return fld.Translate
	}
	return false
}

// tagValidation fills the model and record ids into a field-raised
// validation error.
func (e *Engine) tagValidation(err error, m *schema.Model, ids []int64) error {
	if verr, ok := err.(*apperrors.ValidationError); ok {
		verr.Model = m.Name
		if verr.IDs == nil {
			verr.IDs = ids
		}
	}
	return err
}

// Create inserts records and returns their ids in input order.
func (e *Engine) Create(ctx context.Context, t *Transaction, model string, valuesList []map[string]any) ([]int64, error) {
	m, err := e.registry.Get(model)
	if err != nil {
		return nil, err
	}
	if m.Virtual() {
		return nil, fmt.Errorf("%s: %w", model, apperrors.ErrReadOnlyModel)
	}
	if len(valuesList) == 0 {
		return nil, nil
	}
	if t.CheckAccess() {
		if err := e.access.Check(ctx, model, valueFields(valuesList), rules.Create); err != nil {
			return nil, err
		}
	}

	rows := make([]*splitRow, len(valuesList))
	// Default values depend only on the ambient context, so value sets
	// missing the same fields share one computed set.
	defaultsByShape := make(map[string]map[string]any)
	for i, values := range valuesList {
		filled, err := e.applyDefaults(t, m, values, defaultsByShape)
		if err != nil {
			return nil, err
		}
		row, err := e.splitValues(t, m, filled, true)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	t.markDirty(model)
	ids, err := e.insertRows(ctx, t, m, rows)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		t.cache().set(model, ids[i], row.stored)
		t.cache().set(model, ids[i], map[string]any{schema.ColID: ids[i]})
	}

	if err := e.applyDeferred(ctx, t, m, ids, rows); err != nil {
		return nil, err
	}
	if err := e.maintainTrees(ctx, t, m, ids, rows); err != nil {
		return nil, err
	}
	if m.History {
		if err := e.appendHistory(ctx, t, m, ids); err != nil {
			return nil, err
		}
	}
	// Required fields are checked whether or not the caller supplied them;
	// a missing default must not slip a NULL through.
	checked := valueFields(valuesList)
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		if f.Stored() && f.IsRequired() {
			checked = append(checked, name)
		}
	}
	if err := e.validateRecords(ctx, t, m, ids, dedupe(checked)); err != nil {
		return nil, err
	}
	if t.CheckAccess() {
		if err := e.checkRuleDomain(ctx, t, m, ids, rules.Create); err != nil {
			return nil, err
		}
	}
	// Other transactions' cached rows go stale, but the fresh rows stay warm
	// in this transaction's own cache.
	e.invalidateShared(ctx, model)
	if err := e.fireTriggers(ctx, t, model, rules.Create, ids); err != nil {
		return nil, err
	}
	redacted := make([]map[string]any, len(valuesList))
	for i, values := range valuesList {
		redacted[i] = e.redact(m, values)
	}
	e.log.Debug("created records",
		zap.String("model", model), zap.Int("count", len(ids)),
		zap.Any("values", redacted))
	return ids, nil
}

// applyDefaults fills missing defaultable fields, memoizing computed sets by
// the shape of missing fields.
func (e *Engine) applyDefaults(t *Transaction, m *schema.Model, values map[string]any, byShape map[string]map[string]any) (map[string]any, error) {
	var missing []string
	for name := range m.Defaults {
		if _, present := values[name]; !present {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return values, nil
	}
	sort.Strings(missing)
	shape := strings.Join(missing, ",")
	defaults, ok := byShape[shape]
	if !ok {
		env := t.PysonEnv()
		defaults = make(map[string]any, len(missing))
		for _, name := range missing {
			defaults[name] = m.Defaults[name](env)
		}
		byShape[shape] = defaults
	}
	out := make(map[string]any, len(values)+len(defaults))
	for k, v := range values {
		out[k] = v
	}
	for k, v := range defaults {
		out[k] = v
	}
	return out, nil
}

// insertRows issues batched multi-row inserts. Rows sharing a column shape
// share statements; batches are capped by the configured width.
func (e *Engine) insertRows(ctx context.Context, t *Transaction, m *schema.Model, rows []*splitRow) ([]int64, error) {
	now := time.Now().UTC()
	ids := make([]int64, len(rows))

	type group struct {
		cols    []string
		indices []int
	}
	groups := make(map[string]*group)
	var order []string
	for i, row := range rows {
		cols := make([]string, 0, len(row.stored))
		for name := range row.stored {
			cols = append(cols, name)
		}
		sort.Strings(cols)
		key := strings.Join(cols, ",")
		g, ok := groups[key]
		if !ok {
			g = &group{cols: cols}
			groups[key] = g
			order = append(order, key)
		}
		g.indices = append(g.indices, i)
	}

	for _, key := range order {
		g := groups[key]
		for start := 0; start < len(g.indices); start += e.cfg.InsertBatchWidth {
			end := start + e.cfg.InsertBatchWidth
			if end > len(g.indices) {
				end = len(g.indices)
			}
			if err := e.insertBatch(ctx, t, m, g.cols, g.indices[start:end], rows, ids, now); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (e *Engine) insertBatch(ctx context.Context, t *Transaction, m *schema.Model, cols []string, indices []int, rows []*splitRow, ids []int64, now time.Time) error {
	all := append([]string{schema.ColCreateDate, schema.ColCreateUID}, cols...)
	quoted := make([]string, len(all))
	for i, c := range all {
		quoted[i] = quoteIdent(c)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + quoteIdent(m.TableName()) +
		" (" + strings.Join(quoted, ", ") + ") VALUES ")
	args := make([]any, 0, len(indices)*len(all))
	n := 0
	for r, idx := range indices {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for ci := range all {
			if ci > 0 {
				sb.WriteString(", ")
			}
			n++
			sb.WriteString("$" + fmt.Sprint(n))
		}
		sb.WriteString(")")
		args = append(args, now, t.User())
		for _, colName := range cols {
			f, err := m.Field(colName)
			if err != nil {
				return err
			}
			encoded, err := f.Encode(rows[idx].stored[colName])
			if err != nil {
				return err
			}
			args = append(args, encoded)
		}
	}
	sb.WriteString(" RETURNING " + quoteIdent(schema.ColID))

	// A savepoint isolates constraint failures: the enclosing transaction
	// stays usable after the error is diagnosed.
	err := t.RunInSavepoint(ctx, func(sub *Transaction) error {
		res, err := sub.Conn().Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer res.Close()
		i := 0
		for res.Next() {
			var id int64
			if err := res.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan inserted id: %w", err)
			}
			ids[indices[i]] = id
			i++
		}
		if err := res.Err(); err != nil {
			return err
		}
		if i != len(indices) {
			return fmt.Errorf("insert returned %d ids for %d rows", i, len(indices))
		}
		return nil
	})
	if err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	return nil
}

// applyDeferred runs function-field setters in priority order, applies
// collection instructions, stores translations and multivalue overrides.
func (e *Engine) applyDeferred(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, rows []*splitRow) error {
	env := e.env(t)

	type setterOp struct {
		priority int
		field    string
		id       int64
		value    any
	}
	var setters []setterOp
	for i, row := range rows {
		for name, v := range row.setters {
			f, _ := m.Field(name)
			setters = append(setters, setterOp{f.SetPriority(), name, ids[i], v})
		}
	}
	sort.SliceStable(setters, func(a, b int) bool { return setters[a].priority < setters[b].priority })
	for _, op := range setters {
		f, _ := m.Field(op.field)
		fn := f.(*schema.Function)
		if err := fn.Setter(ctx, env, []int64{op.id}, op.value); err != nil {
			return fmt.Errorf("setter for %s.%s: %w", m.Name, op.field, err)
		}
	}

	for i, row := range rows {
		for name, instrs := range row.instructions {
			f, _ := m.Field(name)
			if err := e.applyInstructions(ctx, t, m, f, []int64{ids[i]}, instrs); err != nil {
				return err
			}
		}
		for name, v := range row.multi {
			if err := e.writeMultiValue(ctx, t, m, name, []int64{ids[i]}, v); err != nil {
				return err
			}
		}
		for name, text := range row.translated {
			key := m.Name + "," + name
			if err := e.translations.SetIDs(ctx, key, t.Language(), map[int64]string{ids[i]: text}); err != nil {
				return fmt.Errorf("failed to store translation for %s: %w", key, err)
			}
		}
	}
	return nil
}

// Write applies value groups to existing records.
func (e *Engine) Write(ctx context.Context, t *Transaction, model string, groups ...WriteGroup) error {
	m, err := e.registry.Get(model)
	if err != nil {
		return err
	}
	if m.Virtual() {
		return fmt.Errorf("%s: %w", model, apperrors.ErrReadOnlyModel)
	}
	allIDs := groupIDs(groups)
	if len(allIDs) == 0 {
		return nil
	}
	if t.CheckAccess() {
		fields := make([]string, 0)
		for _, g := range groups {
			for name := range g.Values {
				fields = append(fields, name)
			}
		}
		if err := e.access.Check(ctx, model, dedupe(fields), rules.Write); err != nil {
			return err
		}
		if err := e.checkRuleDomain(ctx, t, m, allIDs, rules.Write); err != nil {
			return err
		}
	}
	if err := e.checkTimestamps(ctx, t, m, allIDs); err != nil {
		return err
	}
	t.markDirty(model)

	var touched []string
	var changedIDs []int64
	// Side effects fire only for records the write actually affected; ids
	// dropped as no-ops stay out.
	var affected []int64
	for _, g := range groups {
		if len(g.IDs) == 0 || len(g.Values) == 0 {
			continue
		}
		row, err := e.splitValues(t, m, g.Values, false)
		if err != nil {
			return err
		}
		for name := range g.Values {
			touched = append(touched, name)
		}

		storedTargets := g.IDs
		if len(row.stored) > 0 {
			// Rows already holding the written values are skipped so history
			// stays free of no-op revisions.
			storedTargets, err = e.dropUnchanged(ctx, t, m, g.IDs, row.stored)
			if err != nil {
				return err
			}
			if len(storedTargets) > 0 {
				if err := e.updateRows(ctx, t, m, storedTargets, row.stored); err != nil {
					return err
				}
				changedIDs = append(changedIDs, storedTargets...)
			}
		}

		env := e.env(t)
		setterNames := make([]string, 0, len(row.setters))
		for name := range row.setters {
			setterNames = append(setterNames, name)
		}
		sort.Slice(setterNames, func(a, b int) bool {
			fa, _ := m.Field(setterNames[a])
			fb, _ := m.Field(setterNames[b])
			return fa.SetPriority() < fb.SetPriority()
		})
		for _, name := range setterNames {
			f, _ := m.Field(name)
			fn := f.(*schema.Function)
			if err := fn.Setter(ctx, env, g.IDs, row.setters[name]); err != nil {
				return fmt.Errorf("setter for %s.%s: %w", m.Name, name, err)
			}
		}
		for name, instrs := range row.instructions {
			f, _ := m.Field(name)
			if err := e.applyInstructions(ctx, t, m, f, g.IDs, instrs); err != nil {
				return err
			}
		}
		for name, v := range row.multi {
			if err := e.writeMultiValue(ctx, t, m, name, g.IDs, v); err != nil {
				return err
			}
		}
		for name, text := range row.translated {
			key := m.Name + "," + name
			byID := make(map[int64]string, len(g.IDs))
			for _, id := range g.IDs {
				byID[id] = text
			}
			if err := e.translations.SetIDs(ctx, key, t.Language(), byID); err != nil {
				return fmt.Errorf("failed to store translation for %s: %w", key, err)
			}
		}

		if treeField, moved := e.treeParentWritten(m, row.stored); moved && len(storedTargets) > 0 {
			if err := e.treeMove(ctx, t, m, treeField, storedTargets); err != nil {
				return err
			}
		}

		if len(row.setters)+len(row.instructions)+len(row.multi)+len(row.translated) > 0 {
			affected = append(affected, g.IDs...)
		} else {
			affected = append(affected, storedTargets...)
		}
	}

	if m.History && len(changedIDs) > 0 {
		if err := e.appendHistory(ctx, t, m, dedupeIDs(changedIDs)); err != nil {
			return err
		}
	}
	if err := e.validateRecords(ctx, t, m, allIDs, dedupe(touched)); err != nil {
		return err
	}
	if t.CheckAccess() {
		// Writes must leave the records within the rule domain too.
		if err := e.checkRuleDomain(ctx, t, m, allIDs, rules.Write); err != nil {
			return err
		}
	}
	affected = dedupeIDs(affected)
	if len(affected) == 0 {
		return nil
	}
	e.invalidate(ctx, t, model, affected)
	if err := e.fireTriggers(ctx, t, model, rules.Write, affected); err != nil {
		return err
	}
	redacted := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		redacted = append(redacted, e.redact(m, g.Values))
	}
	e.log.Debug("wrote records",
		zap.String("model", model), zap.Int("count", len(affected)),
		zap.Any("values", redacted))
	return nil
}

// dropUnchanged filters out ids whose stored values already equal the
// written ones.
func (e *Engine) dropUnchanged(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, stored map[string]any) ([]int64, error) {
	fields := make([]string, 0, len(stored))
	for name := range stored {
		fields = append(fields, name)
	}
	current, err := e.readStored(ctx, t, m, ids, fields)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, id := range ids {
		row, ok := current[id]
		if !ok {
			return nil, fmt.Errorf("%s(%d): %w", m.Name, id, apperrors.ErrNotFound)
		}
		changed := false
		for name, v := range stored {
			if !valueEqual(row[name], v) {
				changed = true
				break
			}
		}
		if changed {
			out = append(out, id)
		}
	}
	return out, nil
}

func (e *Engine) updateRows(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, stored map[string]any) error {
	cols := make([]string, 0, len(stored))
	for name := range stored {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString("UPDATE " + quoteIdent(m.TableName()) + " SET ")
	args := make([]any, 0, len(cols)+3)
	for i, colName := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		f, err := m.Field(colName)
		if err != nil {
			return err
		}
		encoded, err := f.Encode(stored[colName])
		if err != nil {
			return err
		}
		args = append(args, encoded)
		sb.WriteString(quoteIdent(colName) + " = $" + fmt.Sprint(len(args)))
	}
	args = append(args, time.Now().UTC())
	sb.WriteString(", " + quoteIdent(schema.ColWriteDate) + " = $" + fmt.Sprint(len(args)))
	args = append(args, t.User())
	sb.WriteString(", " + quoteIdent(schema.ColWriteUID) + " = $" + fmt.Sprint(len(args)))
	args = append(args, ids)
	sb.WriteString(" WHERE " + quoteIdent(schema.ColID) + " = ANY($" + fmt.Sprint(len(args)) + ")")

	err := t.RunInSavepoint(ctx, func(sub *Transaction) error {
		_, err := sub.Conn().Exec(ctx, sb.String(), args...)
		return err
	})
	if err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	t.cache().invalidate(m.Name, ids)
	return nil
}

// Delete removes records, sweeping referencing rows per their declared
// policies first.
func (e *Engine) Delete(ctx context.Context, t *Transaction, model string, ids []int64) error {
	m, err := e.registry.Get(model)
	if err != nil {
		return err
	}
	if m.Virtual() {
		return fmt.Errorf("%s: %w", model, apperrors.ErrReadOnlyModel)
	}
	if len(ids) == 0 {
		return nil
	}
	if t.CheckAccess() {
		if err := e.access.Check(ctx, model, nil, rules.Delete); err != nil {
			return err
		}
		if err := e.checkRuleDomain(ctx, t, m, ids, rules.Delete); err != nil {
			return err
		}
	}
	if err := e.checkTimestamps(ctx, t, m, ids); err != nil {
		return err
	}
	t.markDirty(model)

	// Trigger ids are captured before the rows disappear.
	if err := e.fireTriggers(ctx, t, model, rules.Delete, ids); err != nil {
		return err
	}

	sweep := t.WithContext(map[string]any{CtxCheckAccess: false})
	for _, ref := range e.registry.Referencers(model) {
		refModel := ref.Model
		leaf := domain.Leaf{Path: ref.Field.Name, Op: domain.OpIn, Value: ids}
		switch ref.Field.Policy() {
		case schema.Cascade:
			refIDs, err := e.search(ctx, sweep, refModel, leaf, SearchOptions{})
			if err != nil {
				return err
			}
			// Referencing rows already inside the batch need no recursion.
			refIDs = subtract(refIDs, ids)
			if len(refIDs) > 0 {
				if err := e.Delete(ctx, sweep, refModel.Name, refIDs); err != nil {
					return err
				}
			}
		case schema.SetNull:
			refIDs, err := e.search(ctx, sweep, refModel, leaf, SearchOptions{})
			if err != nil {
				return err
			}
			refIDs = subtract(refIDs, ids)
			if len(refIDs) > 0 {
				if err := e.Write(ctx, sweep, refModel.Name, WriteGroup{
					IDs:    refIDs,
					Values: map[string]any{ref.Field.Name: nil},
				}); err != nil {
					return err
				}
			}
		case schema.Restrict:
			refIDs, err := e.search(ctx, sweep, refModel, leaf, SearchOptions{Limit: len(ids) + 1})
			if err != nil {
				return err
			}
			refIDs = subtract(refIDs, ids)
			if len(refIDs) > 0 {
				return &apperrors.IntegrityError{
					Kind:  apperrors.IntegrityRestrict,
					Model: model,
					Message: fmt.Sprintf("records are still referenced by %s.%s",
						refModel.Name, ref.Field.Name),
				}
			}
		}
	}

	if err := e.dropJunctionRows(ctx, t, m, ids); err != nil {
		return err
	}
	if err := e.dropTranslations(ctx, t, m, ids); err != nil {
		return err
	}
	if m.History {
		if err := e.appendTombstones(ctx, t, m, ids); err != nil {
			return err
		}
	}

	sql := "DELETE FROM " + quoteIdent(m.TableName()) + " WHERE " + quoteIdent(schema.ColID) + " = ANY($1)"
	if _, err := t.Conn().Exec(ctx, sql, ids); err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	if err := e.rebuildTreesAfterDelete(ctx, t, m); err != nil {
		return err
	}
	e.invalidate(ctx, t, model, ids)
	e.log.Debug("deleted records",
		zap.String("model", model), zap.Int("count", len(ids)))
	return nil
}

// dropJunctionRows clears junction pairs on either side of the deleted
// records.
func (e *Engine) dropJunctionRows(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	// Origin side: this model's own junction fields.
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		switch rel := f.(type) {
		case *schema.Many2Many:
			if err := e.deleteJunctionSide(ctx, t, rel.RelationTable, rel.OriginColumn, ids); err != nil {
				return err
			}
		case *schema.One2One:
			if err := e.deleteJunctionSide(ctx, t, rel.RelationTable, rel.OriginColumn, ids); err != nil {
				return err
			}
		}
	}
	// Target side: junction fields anywhere pointing at this model.
	for _, other := range e.registry.Models() {
		for _, name := range other.FieldNames() {
			f, _ := other.Field(name)
			switch rel := f.(type) {
			case *schema.Many2Many:
				if rel.Target == m.Name {
					if err := e.deleteJunctionSide(ctx, t, rel.RelationTable, rel.TargetColumn, ids); err != nil {
						return err
					}
				}
			case *schema.One2One:
				if rel.Target == m.Name {
					if err := e.deleteJunctionSide(ctx, t, rel.RelationTable, rel.TargetColumn, ids); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (e *Engine) deleteJunctionSide(ctx context.Context, t *Transaction, relTable, col string, ids []int64) error {
	sql := fmt.Sprintf(`DELETE FROM %q WHERE %q = ANY($1)`, relTable, col)
	if _, err := t.Conn().Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("failed to clear junction table %s: %w", relTable, err)
	}
	return nil
}

func (e *Engine) dropTranslations(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		if !translatable(f) {
			continue
		}
		if err := e.translations.DeleteIDs(ctx, m.Name+","+name, ids); err != nil {
			return fmt.Errorf("failed to drop translations for %s.%s: %w", m.Name, name, err)
		}
	}
	return nil
}

func (e *Engine) writeMultiValue(ctx context.Context, t *Transaction, m *schema.Model, field string, ids []int64, value any) error {
	f, err := m.Field(field)
	if err != nil {
		return err
	}
	mv := f.(*schema.MultiValue)
	table := mv.ValueTable(m)

	cols := []string{"record"}
	args := []any{}
	for _, key := range mv.Pattern {
		v, _ := t.Context(key)
		cols = append(cols, key)
		args = append(args, v)
	}
	encoded, err := mv.Encode(value)
	if err != nil {
		return err
	}

	for _, id := range ids {
		quoted := make([]string, 0, len(cols)+1)
		placeholders := make([]string, 0, len(cols)+1)
		rowArgs := append([]any{id}, args...)
		for i, c := range cols {
			quoted = append(quoted, quoteIdent(c))
			placeholders = append(placeholders, "$"+fmt.Sprint(i+1))
		}
		quoted = append(quoted, quoteIdent("value"))
		rowArgs = append(rowArgs, encoded)
		placeholders = append(placeholders, "$"+fmt.Sprint(len(rowArgs)))

		sql := fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s)
			 ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s`,
			quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
			strings.Join(quoted[:len(cols)], ", "), quoteIdent("value"), quoteIdent("value"))
		if _, err := t.Conn().Exec(ctx, sql, rowArgs...); err != nil {
			return fmt.Errorf("failed to write multivalue %s.%s: %w", m.Name, field, err)
		}
	}
	return nil
}

// checkTimestamps enforces the optimistic lock: a record modified after the
// caller's read timestamp refuses the mutation.
func (e *Engine) checkTimestamps(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	stamps := t.Timestamps()
	if len(stamps) == 0 {
		return nil
	}
	var check []int64
	for _, id := range ids {
		if _, ok := stamps[timestampKey(m.Name, id)]; ok {
			check = append(check, id)
		}
	}
	if len(check) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`SELECT %q, COALESCE(%q, %q) FROM %q WHERE %q = ANY($1)`,
		schema.ColID, schema.ColWriteDate, schema.ColCreateDate, m.TableName(), schema.ColID)
	rows, err := t.Conn().Query(ctx, sql, check)
	if err != nil {
		return fmt.Errorf("failed to read record timestamps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var current time.Time
		if err := rows.Scan(&id, &current); err != nil {
			return fmt.Errorf("failed to scan record timestamp: %w", err)
		}
		seen := stamps[timestampKey(m.Name, id)]
		if current.Truncate(time.Microsecond).After(seen.Truncate(time.Microsecond)) {
			return &apperrors.ConcurrencyError{Model: m.Name, ID: id}
		}
	}
	return rows.Err()
}

func timestampKey(model string, id int64) string {
	return model + "," + fmt.Sprint(id)
}

// checkRuleDomain verifies ids all satisfy the row-level rule domain for the
// mode.
func (e *Engine) checkRuleDomain(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, mode rules.Mode) error {
	d, err := e.rules.DomainGet(ctx, m.Name, mode)
	if err != nil {
		return err
	}
	if domain.Empty(d) {
		return nil
	}
	sub := t.WithContext(map[string]any{CtxCheckAccess: false})
	matching, err := e.search(ctx, sub, m, domain.Conjoin(
		domain.Leaf{Path: schema.ColID, Op: domain.OpIn, Value: ids}, d,
	), SearchOptions{})
	if err != nil {
		return err
	}
	if missing := subtract(ids, matching); len(missing) > 0 {
		return &apperrors.AccessError{Model: m.Name, Mode: string(mode), IDs: missing}
	}
	return nil
}

func (e *Engine) fireTriggers(ctx context.Context, t *Transaction, model string, event rules.Mode, ids []int64) error {
	trs, err := e.triggers.GetTriggers(ctx, model, event)
	if err != nil {
		return err
	}
	for _, tr := range trs {
		if err := e.triggers.QueueTriggerAction(ctx, tr, ids); err != nil {
			return fmt.Errorf("failed to queue trigger %s: %w", tr.Name, err)
		}
	}
	return nil
}

func (e *Engine) invalidate(ctx context.Context, t *Transaction, model string, ids []int64) {
	t.markDirty(model)
	t.cache().invalidate(model, ids)
	e.invalidateShared(ctx, model)
}

// invalidateShared orphans other transactions' cached rows of a model without
// touching this transaction's own cache.
func (e *Engine) invalidateShared(ctx context.Context, model string) {
	if e.shared != nil {
		e.shared.Invalidate(ctx, model)
	}
}

// env adapts a transaction into the surface function-field callables see.
// Access checks stay off inside callables; the outer operation has already
// charged them.
func (e *Engine) env(t *Transaction) schema.Env {
	return &callableEnv{e: e, t: t.WithContext(map[string]any{CtxCheckAccess: false})}
}

type callableEnv struct {
	e *Engine
	t *Transaction
}

func (c *callableEnv) Search(ctx context.Context, model string, d domain.Domain) ([]int64, error) {
	return c.e.Search(ctx, c.t, model, d, SearchOptions{})
}

func (c *callableEnv) Read(ctx context.Context, model string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	return c.e.Read(ctx, c.t, model, ids, fields)
}

func valueFields(valuesList []map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, values := range valuesList {
		for name := range values {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func groupIDs(groups []WriteGroup) []int64 {
	var out []int64
	for _, g := range groups {
		out = append(out, g.IDs...)
	}
	return dedupeIDs(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupeIDs(in []int64) []int64 {
	seen := make(map[int64]bool, len(in))
	var out []int64
	for _, id := range in {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// subtract returns the members of a not in b.
func subtract(a, b []int64) []int64 {
	drop := make(map[int64]bool, len(b))
	for _, id := range b {
		drop[id] = true
	}
	var out []int64
	for _, id := range a {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func valueEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func quoteIdent(ident string) string { return `"` + ident + `"` }

// redact prepares values for logging, masking sensitive fields.
func (e *Engine) redact(m *schema.Model, values map[string]any) map[string]any {
	return logging.SanitizeValues(values, m.SensitiveFields())
}
