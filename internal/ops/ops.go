// Package ops defines the modify engine's command language: a tagged union
// over the supported session operations plus the JSON envelope codec used by
// the HTTP surface and by issue actions.
package ops

import (
	"github.com/shopspring/decimal"
)

// Op is one session mutation command.
type Op interface {
	// Name returns the wire tag of the operation.
	Name() string
}

// AddLine appends a new line with a generated line id. UnitPriceQ is required
// on sessions with external pricing.
type AddLine struct {
	SKU         string
	Qty         decimal.Decimal
	UnitPriceQ  *int64
	DisplayName string
	Meta        map[string]interface{}
}

func (AddLine) Name() string { return "add_line" }

// RemoveLine drops the line with the given id.
type RemoveLine struct {
	LineID string
}

func (RemoveLine) Name() string { return "remove_line" }

// SetQty replaces a line's quantity. Positive quantities only.
type SetQty struct {
	LineID string
	Qty    decimal.Decimal
}

func (SetQty) Name() string { return "set_qty" }

// ReplaceSKU swaps the SKU of a line, with the same external-pricing rule as
// AddLine.
type ReplaceSKU struct {
	LineID     string
	SKU        string
	UnitPriceQ *int64
	Meta       map[string]interface{}
}

func (ReplaceSKU) Name() string { return "replace_sku" }

// SetData writes a value at a dotted path under the caller-controlled data
// keys.
type SetData struct {
	Path  string
	Value interface{}
}

func (SetData) Name() string { return "set_data" }

// MergeLines folds one line's quantity into another line with the same SKU
// and removes the source line.
type MergeLines struct {
	FromLineID string
	IntoLineID string
}

func (MergeLines) Name() string { return "merge_lines" }
