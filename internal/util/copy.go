package util

import "reflect"

// DeepCopy copies the JSON-like values that flow through a run: maps,
// slices and scalars. Other types are copied through reflection. Cyclic
// structures are not supported; run values come from decoded documents and
// action results, which are trees.
func DeepCopy(src interface{}) interface{} {
	switch v := src.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		cpy := make(map[string]interface{}, len(v))
		for key, value := range v {
			cpy[key] = DeepCopy(value)
		}
		return cpy
	case []interface{}:
		cpy := make([]interface{}, len(v))
		for i, value := range v {
			cpy[i] = DeepCopy(value)
		}
		return cpy
	case map[string]string:
		cpy := make(map[string]string, len(v))
		for key, value := range v {
			cpy[key] = value
		}
		return cpy
	case []string:
		return append([]string(nil), v...)
	case string, int, int64, int32, int16, int8, uint, uint64, uint32, uint16, uint8, float64, float32, bool:
		return v
	default:
		return deepCopyReflection(reflect.ValueOf(src))
	}
}

// CopyMap is DeepCopy for a variables or outputs map.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return DeepCopy(m).(map[string]interface{})
}

func deepCopyReflection(original reflect.Value) interface{} {
	if !original.IsValid() {
		return nil
	}
	cpy := reflect.New(original.Type()).Elem()

	switch original.Kind() {
	case reflect.Ptr:
		if original.IsNil() {
			return original.Interface()
		}
		newPtr := reflect.New(original.Type().Elem())
		setCopied(newPtr.Elem(), original.Elem())
		return newPtr.Interface()

	case reflect.Slice:
		if original.IsNil() {
			return original.Interface()
		}
		cpy.Set(reflect.MakeSlice(original.Type(), original.Len(), original.Len()))
		for i := 0; i < original.Len(); i++ {
			setCopied(cpy.Index(i), original.Index(i))
		}

	case reflect.Map:
		if original.IsNil() {
			return original.Interface()
		}
		cpy.Set(reflect.MakeMapWithSize(original.Type(), original.Len()))
		iter := original.MapRange()
		for iter.Next() {
			val := reflect.New(original.Type().Elem()).Elem()
			setCopied(val, iter.Value())
			cpy.SetMapIndex(iter.Key(), val)
		}

	default:
		cpy.Set(original)
	}
	return cpy.Interface()
}

// setCopied stores a deep copy of src into dst, which has src's static type.
func setCopied(dst, src reflect.Value) {
	if src.Kind() == reflect.Interface {
		if src.IsNil() {
			return
		}
		dst.Set(reflect.ValueOf(DeepCopy(src.Elem().Interface())))
		return
	}
	dst.Set(reflect.ValueOf(deepCopyReflection(src)))
}
