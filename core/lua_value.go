package core

import (
	"fmt"

	"github.com/signalsfoundry/scripthost/value"
	lua "github.com/yuin/gopher-lua"
)

const maxValueDepth = 32

// toLua converts a host value into an interpreter value. Arrays become
// sequence tables indexed from 1.
func toLua(L *lua.LState, v value.Value) lua.LValue {
	switch v.Kind() {
	case value.KindNumber:
		return lua.LNumber(v.Number())
	case value.KindBool:
		return lua.LBool(v.Bool())
	case value.KindString:
		return lua.LString(v.String())
	case value.KindArray:
		tbl := L.CreateTable(v.Len(), 0)
		for i, elem := range v.Elements() {
			tbl.RawSetInt(i+1, toLua(L, elem))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// fromLua converts an interpreter value into a host value. Only the sequence
// part of a table is kept.
func fromLua(lv lua.LValue) (value.Value, error) {
	return fromLuaDepth(lv, 0)
}

func fromLuaDepth(lv lua.LValue, depth int) (value.Value, error) {
	if depth > maxValueDepth {
		return value.Nil(), errValueTooDeep
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return value.Nil(), nil
	case lua.LBool:
		return value.Bool(bool(v)), nil
	case lua.LNumber:
		return value.Number(float64(v)), nil
	case lua.LString:
		return value.String(string(v)), nil
	case *lua.LTable:
		n := v.Len()
		elems := make([]value.Value, 0, n)
		for i := 1; i <= n; i++ {
			elem, err := fromLuaDepth(v.RawGetInt(i), depth+1)
			if err != nil {
				return value.Nil(), fmt.Errorf("index %d: %w", i-1, err)
			}
			elems = append(elems, elem)
		}
		return value.Array(elems...), nil
	default:
		return value.Nil(), fmt.Errorf("%w: %s", value.ErrUnsupported, lv.Type().String())
	}
}

// argsTable packs event arguments into a sequence table.
func argsTable(L *lua.LState, args []value.Value) *lua.LTable {
	tbl := L.CreateTable(len(args), 0)
	for i, a := range args {
		tbl.RawSetInt(i+1, toLua(L, a))
	}
	return tbl
}
