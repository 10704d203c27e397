package opgraph

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// dtypeFromName converts a data type name used in graph dumps (e.g. "f32", "s8") to a gomlx data type.
func dtypeFromName(name string) (dtypes.DType, error) {
	switch name {
	case "f32":
		return dtypes.Float32, nil
	case "f16":
		return dtypes.Float16, nil
	case "bf16":
		return dtypes.BFloat16, nil
	case "f64":
		return dtypes.Float64, nil
	case "s32":
		return dtypes.Int32, nil
	case "s64":
		return dtypes.Int64, nil
	case "s8":
		return dtypes.Int8, nil
	case "u8":
		return dtypes.Uint8, nil
	case "boolean":
		return dtypes.Bool, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown data type %q", name)
	}
}

// DTypeName returns the graph dump name of a data type, the inverse of the mapping used by Parse.
// It returns "undef" for data types that have no name in graph dumps.
func DTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "f32"
	case dtypes.Float16:
		return "f16"
	case dtypes.BFloat16:
		return "bf16"
	case dtypes.Float64:
		return "f64"
	case dtypes.Int32:
		return "s32"
	case dtypes.Int64:
		return "s64"
	case dtypes.Int8:
		return "s8"
	case dtypes.Uint8:
		return "u8"
	case dtypes.Bool:
		return "boolean"
	default:
		return "undef"
	}
}
