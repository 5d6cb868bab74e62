package servingclient

import (
	"reflect"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// matchesDesired reports whether the live object already satisfies the
// desired one. The live object is allowed to carry extra map fields, since
// the API server and admission webhooks default fields the manifest never
// set. Lists must match exactly.
func matchesDesired(desired, current *unstructured.Unstructured) bool {
	for k, v := range desired.GetLabels() {
		if current.GetLabels()[k] != v {
			return false
		}
	}
	for k, v := range desired.GetAnnotations() {
		if current.GetAnnotations()[k] != v {
			return false
		}
	}
	return subsumes(desired.Object["spec"], current.Object["spec"])
}

func subsumes(desired, current interface{}) bool {
	switch d := desired.(type) {
	case map[string]interface{}:
		c, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		for k, dv := range d {
			cv, ok := c[k]
			if !ok || !subsumes(dv, cv) {
				return false
			}
		}
		return true
	case []interface{}:
		c, ok := current.([]interface{})
		if !ok || len(c) != len(d) {
			return false
		}
		for i := range d {
			if !subsumes(d[i], c[i]) {
				return false
			}
		}
		return true
	default:
		return equalScalar(desired, current)
	}
}

// equalScalar compares leaf values, treating numeric types as equal by
// value. Manifests decoded from YAML carry float64 while objects read back
// from the API server carry int64.
func equalScalar(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok || bok {
		return aok && bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
