package ops

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"omniman/internal/money"
	"omniman/pkg/oerr"
)

// MaxDataDepth is the deepest path set_data may write.
const MaxDataDepth = 5

// envelope is the wire form of every op: {"op": "...", ...fields}.
type envelope struct {
	Op         string                 `json:"op"`
	SKU        string                 `json:"sku,omitempty"`
	Qty        *decimal.Decimal       `json:"qty,omitempty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	LineID     string                 `json:"line_id,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Value      interface{}            `json:"value,omitempty"`
	FromLineID string                 `json:"from_line_id,omitempty"`
	IntoLineID string                 `json:"into_line_id,omitempty"`
}

// Decode parses one op envelope, enforcing the structural constraints the
// engine relies on: known tag, required fields, positive quantities with at
// most three decimal places, well-formed set_data paths.
func Decode(raw json.RawMessage) (Op, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, oerr.Validation(oerr.CodeUnsupportedOp, "op is not a JSON object").With("error", err.Error())
	}

	switch env.Op {
	case "add_line":
		if env.SKU == "" {
			return nil, oerr.Validation(oerr.CodeMissingSKU, "add_line requires a sku")
		}
		if env.Qty == nil {
			return nil, oerr.Validation(oerr.CodeInvalidQty, "add_line requires a qty").With("sku", env.SKU)
		}
		if err := money.CheckQty(*env.Qty); err != nil {
			return nil, err
		}
		return AddLine{SKU: env.SKU, Qty: *env.Qty, UnitPriceQ: env.UnitPriceQ, DisplayName: env.Name, Meta: env.Meta}, nil

	case "remove_line":
		if env.LineID == "" {
			return nil, oerr.Validation(oerr.CodeMissingLineID, "remove_line requires a line_id")
		}
		return RemoveLine{LineID: env.LineID}, nil

	case "set_qty":
		if env.LineID == "" {
			return nil, oerr.Validation(oerr.CodeMissingLineID, "set_qty requires a line_id")
		}
		if env.Qty == nil {
			return nil, oerr.Validation(oerr.CodeInvalidQty, "set_qty requires a qty").With("line_id", env.LineID)
		}
		if err := money.CheckQty(*env.Qty); err != nil {
			return nil, err
		}
		return SetQty{LineID: env.LineID, Qty: *env.Qty}, nil

	case "replace_sku":
		if env.LineID == "" {
			return nil, oerr.Validation(oerr.CodeMissingLineID, "replace_sku requires a line_id")
		}
		if env.SKU == "" {
			return nil, oerr.Validation(oerr.CodeMissingSKU, "replace_sku requires a sku").With("line_id", env.LineID)
		}
		return ReplaceSKU{LineID: env.LineID, SKU: env.SKU, UnitPriceQ: env.UnitPriceQ, Meta: env.Meta}, nil

	case "set_data":
		if _, err := SplitPath(env.Path); err != nil {
			return nil, err
		}
		return SetData{Path: env.Path, Value: env.Value}, nil

	case "merge_lines":
		if env.FromLineID == "" || env.IntoLineID == "" {
			return nil, oerr.Validation(oerr.CodeInvalidMerge, "merge_lines requires from_line_id and into_line_id")
		}
		if env.FromLineID == env.IntoLineID {
			return nil, oerr.Validation(oerr.CodeInvalidMerge, "merge_lines requires distinct line ids").
				With("line_id", env.FromLineID)
		}
		return MergeLines{FromLineID: env.FromLineID, IntoLineID: env.IntoLineID}, nil

	case "":
		return nil, oerr.Validation(oerr.CodeUnsupportedOp, "op field is required")
	default:
		return nil, oerr.Validation(oerr.CodeUnsupportedOp, "unsupported op").With("op", env.Op)
	}
}

// DecodeList parses a list of op envelopes, failing on the first bad one with
// its index in context.
func DecodeList(raws []json.RawMessage) ([]Op, error) {
	out := make([]Op, 0, len(raws))
	for i, raw := range raws {
		op, err := Decode(raw)
		if err != nil {
			var ke *oerr.Error
			if errors.As(err, &ke) {
				return nil, ke.With("op_index", i)
			}
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// Encode renders an op back into its wire envelope. Handlers use this to
// build remediation actions that later feed back through Decode.
func Encode(op Op) (json.RawMessage, error) {
	var env envelope
	env.Op = op.Name()
	switch v := op.(type) {
	case AddLine:
		q := v.Qty
		env.SKU, env.Qty, env.UnitPriceQ, env.Name, env.Meta = v.SKU, &q, v.UnitPriceQ, v.DisplayName, v.Meta
	case RemoveLine:
		env.LineID = v.LineID
	case SetQty:
		q := v.Qty
		env.LineID, env.Qty = v.LineID, &q
	case ReplaceSKU:
		env.LineID, env.SKU, env.UnitPriceQ, env.Meta = v.LineID, v.SKU, v.UnitPriceQ, v.Meta
	case SetData:
		env.Path, env.Value = v.Path, v.Value
	case MergeLines:
		env.FromLineID, env.IntoLineID = v.FromLineID, v.IntoLineID
	default:
		return nil, oerr.Validation(oerr.CodeUnsupportedOp, "unsupported op").With("op", op.Name())
	}
	return json.Marshal(env)
}

// MustEncode is Encode for statically-known ops.
func MustEncode(op Op) json.RawMessage {
	raw, err := Encode(op)
	if err != nil {
		panic(err)
	}
	return raw
}

// SplitPath validates and splits a set_data path: non-empty dot-separated
// segments, at most MaxDataDepth deep.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, oerr.Validation(oerr.CodeInvalidDataPath, "set_data requires a path")
	}
	segments := strings.Split(path, ".")
	if len(segments) > MaxDataDepth {
		return nil, oerr.Validation(oerr.CodeInvalidDataPath, "path exceeds maximum depth").
			With("path", path).With("max_depth", MaxDataDepth)
	}
	for _, seg := range segments {
		if seg == "" {
			return nil, oerr.Validation(oerr.CodeInvalidDataPath, "path has an empty segment").With("path", path)
		}
	}
	return segments, nil
}
