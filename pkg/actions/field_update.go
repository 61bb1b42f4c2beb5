package actions

import (
	"context"
	"fmt"

	"github.com/nexocrm/blueprint/pkg/api"
)

// KindFieldUpdate writes a single field on the record that transitioned.
//
// Config:
//
//	field - the field API name to write (required)
//	value - the value to write, {{var}} placeholders allowed
const KindFieldUpdate = "field-update"

// FieldUpdate is the field-update action. It writes through the same
// RecordStore boundary the engine uses for the state-mirror field.
type FieldUpdate struct {
	records api.RecordStore
}

var _ api.Action = (*FieldUpdate)(nil)

// NewFieldUpdate creates the field-update action. A nil records store
// makes every run fail, which surfaces the wiring mistake in the action
// results instead of silently dropping writes.
func NewFieldUpdate(records api.RecordStore) *FieldUpdate {
	return &FieldUpdate{records: records}
}

func (a *FieldUpdate) Execute(ctx context.Context, actx api.ActionContext) (any, error) {
	field := actx.Config["field"]
	if field == "" {
		return nil, fmt.Errorf("field-update: config key %q is required", "field")
	}
	if a.records == nil {
		return nil, fmt.Errorf("field-update: no record store configured")
	}

	value := Expand(actx.Config["value"], actx.Vars)
	if err := a.records.UpdateRecordField(ctx, actx.Execution.RecordID, field, value); err != nil {
		return nil, fmt.Errorf("field-update: %w", err)
	}
	return map[string]any{"field": field, "value": value}, nil
}
