package indexer

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

func lookupPath(doc interface{}, path string) (interface{}, bool) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		next, ok := field(current, key)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func field(doc interface{}, key string) (interface{}, bool) {
	switch d := doc.(type) {
	case bson.M:
		v, ok := d[key]
		return v, ok
	case map[string]interface{}:
		v, ok := d[key]
		return v, ok
	case bson.D:
		for _, e := range d {
			if e.Key == key {
				return e.Value, true
			}
		}
	}
	return nil, false
}

// setPath returns a copy of doc with value stored at path. Containers along
// the path are copied, everything else is shared with doc. Missing
// intermediate documents are created.
func setPath(doc interface{}, keys []string, value interface{}) interface{} {
	if len(keys) == 0 {
		return value
	}
	key := keys[0]

	switch d := doc.(type) {
	case bson.D:
		out := make(bson.D, 0, len(d)+1)
		replaced := false
		for _, e := range d {
			if e.Key == key && !replaced {
				e.Value = setPath(e.Value, keys[1:], value)
				replaced = true
			}
			out = append(out, e)
		}
		if !replaced {
			out = append(out, bson.E{Key: key, Value: setPath(nil, keys[1:], value)})
		}
		return out
	case map[string]interface{}:
		return setInMap(bson.M(d), key, keys[1:], value)
	case bson.M:
		return setInMap(d, key, keys[1:], value)
	default:
		return setInMap(nil, key, keys[1:], value)
	}
}

func setInMap(d bson.M, key string, rest []string, value interface{}) bson.M {
	out := make(bson.M, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key] = setPath(d[key], rest, value)
	return out
}
