package runner

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/itchyny/gojq"
	"github.com/tidwall/gjson"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// Transformation modes.
const (
	transformFieldMapping = "field_mapping"
	transformJQ           = "jq"
	transformTemplate     = "template"
	transformJSONPatch    = "json_patch"
)

// TransformRunner reshapes node input without side effects
type TransformRunner struct{}

// NewTransformRunner creates the data transformation runner
func NewTransformRunner() *TransformRunner {
	return &TransformRunner{}
}

// Validate requires a known transformation_type and its mode-specific config
func (r *TransformRunner) Validate(config map[string]interface{}) error {
	switch ConfigString(config, "transformation_type", "") {
	case transformFieldMapping:
		if ConfigMap(config, "mapping") == nil {
			return errs.New(errs.KindValidation, "field_mapping requires mapping")
		}
	case transformJQ:
		exprStr := ConfigString(config, "expression", "")
		if exprStr == "" {
			return errs.New(errs.KindValidation, "jq transformation requires expression")
		}
		if _, err := gojq.Parse(exprStr); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid jq expression", err)
		}
	case transformTemplate:
		if _, ok := config["template"]; !ok {
			return errs.New(errs.KindValidation, "template transformation requires template")
		}
	case transformJSONPatch:
		if _, ok := config["patch"]; !ok {
			return errs.New(errs.KindValidation, "json_patch transformation requires patch")
		}
	case "":
		return errs.New(errs.KindValidation, "transformation_type is required")
	default:
		return errs.Newf(errs.KindValidation, "unknown transformation_type %q", config["transformation_type"])
	}
	return nil
}

// Execute applies the configured transformation to the main input
func (r *TransformRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	source := sourceValue(rc.Input)

	switch ConfigString(rc.Config, "transformation_type", "") {
	case transformFieldMapping:
		return r.fieldMapping(rc, source)
	case transformJQ:
		return r.jq(ctx, rc, source)
	case transformTemplate:
		// The engine resolved the template against upstream outputs
		// before dispatch; what is left is the final value.
		return Success(models.DefaultPort, asObject(rc.Config["template"]))
	case transformJSONPatch:
		return r.jsonPatch(rc, source)
	default:
		return Failure(errs.New(errs.KindValidation, "unknown transformation_type"))
	}
}

// fieldMapping builds an object from dotted-path reads of the input
func (r *TransformRunner) fieldMapping(rc *Context, source interface{}) *models.NodeExecutionResult {
	blob, err := json.Marshal(source)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "unencodable input", err))
	}

	mapping := ConfigMap(rc.Config, "mapping")
	output := make(map[string]interface{}, len(mapping))
	for field, raw := range mapping {
		path, ok := raw.(string)
		if !ok {
			return Failure(errs.Newf(errs.KindValidation, "mapping for %q is not a path string", field))
		}
		result := gjson.GetBytes(blob, path)
		if !result.Exists() {
			output[field] = nil
			rc.Log("warn", fmt.Sprintf("mapping path %q not found in input", path), nil)
			continue
		}
		output[field] = result.Value()
	}

	return Success(models.DefaultPort, output)
}

// jq runs a gojq query over the input and emits its results
func (r *TransformRunner) jq(ctx context.Context, rc *Context, source interface{}) *models.NodeExecutionResult {
	query, err := gojq.Parse(ConfigString(rc.Config, "expression", ""))
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "invalid jq expression", err))
	}

	// gojq wants plain JSON types; round-trip to normalize.
	var normalized interface{}
	blob, err := json.Marshal(source)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "unencodable input", err))
	}
	if err := json.Unmarshal(blob, &normalized); err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "unencodable input", err))
	}

	var results []interface{}
	iter := query.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return Failure(errs.Wrap(errs.KindValidation, "jq evaluation failed", err))
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return Success(models.DefaultPort, map[string]interface{}{"result": nil})
	case 1:
		return Success(models.DefaultPort, asObject(results[0]))
	default:
		return Success(models.DefaultPort, map[string]interface{}{"result": results})
	}
}

// jsonPatch applies an RFC 6902 patch to the input
func (r *TransformRunner) jsonPatch(rc *Context, source interface{}) *models.NodeExecutionResult {
	patchJSON, err := json.Marshal(rc.Config["patch"])
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "unencodable patch", err))
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "invalid json patch", err))
	}

	doc, err := json.Marshal(source)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "unencodable input", err))
	}

	patched, err := patch.Apply(doc)
	if err != nil {
		return Failure(errs.Wrap(errs.KindValidation, "patch application failed", err))
	}

	var out interface{}
	if err := json.Unmarshal(patched, &out); err != nil {
		return Failure(errs.Wrap(errs.KindInternal, "patched document is not JSON", err))
	}

	return Success(models.DefaultPort, asObject(out))
}

// sourceValue picks the main-port input when present, otherwise the whole
// merged input map
func sourceValue(input map[string]interface{}) interface{} {
	if v, ok := input[models.DefaultPort]; ok {
		return v
	}
	return input
}

// asObject wraps non-object values so OutputData stays a map
func asObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": v}
}
