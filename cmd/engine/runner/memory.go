package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/redis"
)

// Memory operations.
const (
	memoryGet    = "get"
	memorySet    = "set"
	memoryAppend = "append"
	memoryQuery  = "query"
	memoryDelete = "delete"
)

// KeyValueRunner backs TOOL and MEMORY KEY_VALUE nodes with a Redis hash per
// workflow collection. Values round-trip as JSON so nodes can store objects,
// not just strings.
type KeyValueRunner struct {
	redis *redis.Client
}

// NewKeyValueRunner creates the key-value memory runner
func NewKeyValueRunner(client *redis.Client) *KeyValueRunner {
	return &KeyValueRunner{redis: client}
}

// Register registers the runner for both node types
func (r *KeyValueRunner) Register(reg *Registry) {
	reg.Register(models.NodeTypeTool, models.SubtypeKeyValue, r)
	reg.Register(models.NodeTypeMemory, models.SubtypeKeyValue, r)
}

// Validate requires an operation and, for keyed operations, a key
func (r *KeyValueRunner) Validate(config map[string]interface{}) error {
	op := ConfigString(config, "operation", "")
	switch op {
	case memoryGet, memorySet, memoryAppend, memoryDelete:
		if ConfigString(config, "key", "") == "" {
			return errs.Newf(errs.KindValidation, "%s requires key", op)
		}
	case memoryQuery:
	case "":
		return errs.New(errs.KindValidation, "memory requires operation")
	default:
		return errs.Newf(errs.KindValidation, "unknown memory operation %q", op)
	}
	return nil
}

// Execute performs the configured operation against the workflow's collection
func (r *KeyValueRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	collection := ConfigString(rc.Config, "collection", "default")
	hashKey := fmt.Sprintf("memory:%s:%s", rc.WorkflowID, collection)
	field := ConfigString(rc.Config, "key", "")

	switch ConfigString(rc.Config, "operation", "") {
	case memoryGet:
		raw, err := r.redis.HGet(ctx, hashKey, field)
		if err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory read failed", err))
		}
		return Success(models.DefaultPort, map[string]interface{}{
			"key":   field,
			"value": decodeStored(raw),
			"found": raw != "",
		})

	case memorySet:
		encoded, err := encodeStored(rc.Config["value"])
		if err != nil {
			return Failure(err)
		}
		if err := r.redis.HSet(ctx, hashKey, field, encoded); err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory write failed", err))
		}
		if ttl := ConfigDuration(rc.Config, "ttl", 0); ttl > 0 {
			if err := r.redis.Expire(ctx, hashKey, ttl); err != nil {
				return Failure(errs.Wrap(errs.KindNetwork, "memory expire failed", err))
			}
		}
		return Success(models.DefaultPort, map[string]interface{}{"key": field, "stored": true})

	case memoryAppend:
		raw, err := r.redis.HGet(ctx, hashKey, field)
		if err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory read failed", err))
		}
		var list []interface{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				// A scalar already stored under the key becomes the first element.
				list = []interface{}{decodeStored(raw)}
			}
		}
		list = append(list, rc.Config["value"])
		encoded, err := json.Marshal(list)
		if err != nil {
			return Failure(errs.Wrap(errs.KindValidation, "unencodable value", err))
		}
		if err := r.redis.HSet(ctx, hashKey, field, string(encoded)); err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory write failed", err))
		}
		return Success(models.DefaultPort, map[string]interface{}{"key": field, "length": len(list)})

	case memoryQuery:
		all, err := r.redis.HGetAll(ctx, hashKey)
		if err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory read failed", err))
		}
		prefix := ConfigString(rc.Config, "prefix", "")
		entries := map[string]interface{}{}
		for k, v := range all {
			if prefix != "" && !strings.HasPrefix(k, prefix) {
				continue
			}
			entries[k] = decodeStored(v)
		}
		return Success(models.DefaultPort, map[string]interface{}{
			"collection": collection,
			"entries":    entries,
			"count":      len(entries),
		})

	case memoryDelete:
		if err := r.redis.HDel(ctx, hashKey, field); err != nil {
			return Failure(errs.Wrap(errs.KindNetwork, "memory delete failed", err))
		}
		return Success(models.DefaultPort, map[string]interface{}{"key": field, "deleted": true})

	default:
		return Failure(errs.New(errs.KindValidation, "unknown memory operation"))
	}
}

func encodeStored(v interface{}) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "unencodable value", err)
	}
	return string(encoded), nil
}

// decodeStored parses a stored JSON value, falling back to the raw string for
// values written before encoding was introduced
func decodeStored(raw string) interface{} {
	if raw == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
