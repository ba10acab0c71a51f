package codegen

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"fortio.org/safecast"

	"movec/internal/binfmt"
	"movec/internal/env"
)

// tables interns every pool entry of one module. Entries appear in first-use
// order, so generation order alone fixes the layout.
type tables struct {
	e   *env.Env
	mid env.ModuleID
	m   *binfmt.Module

	idents    map[string]uint16
	addrs     map[env.AccountAddress]uint16
	modules   map[env.ModuleID]uint16
	structs   map[env.StructRef]uint16
	funcs     map[env.FuncRef]uint16
	sigs      map[string]uint16
	fields    map[[2]int]uint16
	sinsts    map[string]uint16
	finsts    map[string]uint16
	constants map[string]uint16
}

func newTables(e *env.Env, mid env.ModuleID) *tables {
	return &tables{
		e:         e,
		mid:       mid,
		m:         &binfmt.Module{Version: binfmt.FormatVersion},
		idents:    make(map[string]uint16),
		addrs:     make(map[env.AccountAddress]uint16),
		modules:   make(map[env.ModuleID]uint16),
		structs:   make(map[env.StructRef]uint16),
		funcs:     make(map[env.FuncRef]uint16),
		sigs:      make(map[string]uint16),
		fields:    make(map[[2]int]uint16),
		sinsts:    make(map[string]uint16),
		finsts:    make(map[string]uint16),
		constants: make(map[string]uint16),
	}
}

func index(n int, table string) (uint16, error) {
	i, err := safecast.Conv[uint16](n)
	if err != nil {
		return 0, fmt.Errorf("%s table exceeds %d entries: %w", table, 1<<16-1, err)
	}
	return i, nil
}

func (t *tables) identifier(s string) (uint16, error) {
	if i, ok := t.idents[s]; ok {
		return i, nil
	}
	i, err := index(len(t.m.Identifiers), "identifier")
	if err != nil {
		return 0, err
	}
	t.m.Identifiers = append(t.m.Identifiers, s)
	t.idents[s] = i
	return i, nil
}

func (t *tables) address(a env.AccountAddress) (uint16, error) {
	if i, ok := t.addrs[a]; ok {
		return i, nil
	}
	i, err := index(len(t.m.AddressIdentifiers), "address")
	if err != nil {
		return 0, err
	}
	t.m.AddressIdentifiers = append(t.m.AddressIdentifiers, a)
	t.addrs[a] = i
	return i, nil
}

func (t *tables) module(id env.ModuleID) (uint16, error) {
	if i, ok := t.modules[id]; ok {
		return i, nil
	}
	mod := t.e.Module(id)
	if mod == nil {
		return 0, fmt.Errorf("unknown module %d", id)
	}
	addr, err := t.address(mod.Address)
	if err != nil {
		return 0, err
	}
	name, err := t.identifier(mod.Name)
	if err != nil {
		return 0, err
	}
	i, err := index(len(t.m.ModuleHandles), "module handle")
	if err != nil {
		return 0, err
	}
	t.m.ModuleHandles = append(t.m.ModuleHandles, binfmt.ModuleHandle{Address: addr, Name: name})
	t.modules[id] = i
	return i, nil
}

func (t *tables) structHandle(r env.StructRef) (uint16, error) {
	if i, ok := t.structs[r]; ok {
		return i, nil
	}
	decl := t.e.Struct(r)
	if decl == nil {
		return 0, fmt.Errorf("unknown struct %d.%d", r.Module, r.Index)
	}
	mod, err := t.module(r.Module)
	if err != nil {
		return 0, err
	}
	name, err := t.identifier(decl.Name)
	if err != nil {
		return 0, err
	}
	h := binfmt.StructHandle{Module: mod, Name: name, Abilities: decl.Abilities}
	for _, tp := range decl.TypeParams {
		h.TypeParams = append(h.TypeParams, binfmt.TypeParam{Constraints: tp.Constraints, Phantom: tp.Phantom})
	}
	i, err := index(len(t.m.StructHandles), "struct handle")
	if err != nil {
		return 0, err
	}
	t.m.StructHandles = append(t.m.StructHandles, h)
	t.structs[r] = i
	return i, nil
}

func (t *tables) token(ty env.Type) (binfmt.SignatureToken, error) {
	switch ty.Kind {
	case env.TypeBool:
		return binfmt.Prim(binfmt.TokBool), nil
	case env.TypeU8:
		return binfmt.Prim(binfmt.TokU8), nil
	case env.TypeU16:
		return binfmt.Prim(binfmt.TokU16), nil
	case env.TypeU32:
		return binfmt.Prim(binfmt.TokU32), nil
	case env.TypeU64:
		return binfmt.Prim(binfmt.TokU64), nil
	case env.TypeU128:
		return binfmt.Prim(binfmt.TokU128), nil
	case env.TypeU256:
		return binfmt.Prim(binfmt.TokU256), nil
	case env.TypeAddress:
		return binfmt.Prim(binfmt.TokAddress), nil
	case env.TypeSigner:
		return binfmt.Prim(binfmt.TokSigner), nil
	case env.TypeVector, env.TypeRef:
		inner, err := t.token(ty.Inner())
		if err != nil {
			return binfmt.SignatureToken{}, err
		}
		if ty.Kind == env.TypeVector {
			return binfmt.VectorTok(inner), nil
		}
		return binfmt.RefTok(inner, ty.Mut), nil
	case env.TypeParam:
		p, err := safecast.Conv[uint16](ty.Param)
		if err != nil {
			return binfmt.SignatureToken{}, fmt.Errorf("type parameter %d: %w", ty.Param, err)
		}
		return binfmt.SignatureToken{Kind: binfmt.TokTypeParam, Param: p}, nil
	case env.TypeStruct:
		h, err := t.structHandle(ty.Struct)
		if err != nil {
			return binfmt.SignatureToken{}, err
		}
		tok := binfmt.SignatureToken{Kind: binfmt.TokStruct, Handle: h}
		for _, a := range ty.Args {
			at, err := t.token(a)
			if err != nil {
				return binfmt.SignatureToken{}, err
			}
			tok.Args = append(tok.Args, at)
		}
		return tok, nil
	}
	return binfmt.SignatureToken{}, fmt.Errorf("type %s has no binary form", t.e.TypeString(ty))
}

func (t *tables) signature(types []env.Type) (uint16, error) {
	sig := make(binfmt.Signature, 0, len(types))
	for _, ty := range types {
		tok, err := t.token(ty)
		if err != nil {
			return 0, err
		}
		sig = append(sig, tok)
	}
	key := signatureKey(sig)
	if i, ok := t.sigs[key]; ok {
		return i, nil
	}
	i, err := index(len(t.m.Signatures), "signature")
	if err != nil {
		return 0, err
	}
	t.m.Signatures = append(t.m.Signatures, sig)
	t.sigs[key] = i
	return i, nil
}

func (t *tables) funcHandle(r env.FuncRef) (uint16, error) {
	if i, ok := t.funcs[r]; ok {
		return i, nil
	}
	decl := t.e.Func(r)
	if decl == nil {
		return 0, fmt.Errorf("unknown function %d.%d", r.Module, r.Index)
	}
	mod, err := t.module(r.Module)
	if err != nil {
		return 0, err
	}
	name, err := t.identifier(decl.Name)
	if err != nil {
		return 0, err
	}
	paramTypes := make([]env.Type, len(decl.Params))
	for i := range decl.Params {
		paramTypes[i] = decl.Params[i].Type
	}
	params, err := t.signature(paramTypes)
	if err != nil {
		return 0, err
	}
	ret, err := t.signature(decl.Results)
	if err != nil {
		return 0, err
	}
	i, err := index(len(t.m.FunctionHandles), "function handle")
	if err != nil {
		return 0, err
	}
	t.m.FunctionHandles = append(t.m.FunctionHandles, binfmt.FunctionHandle{
		Module:     mod,
		Name:       name,
		Params:     params,
		Return:     ret,
		TypeParams: decl.TypeParamAbilities(),
	})
	t.funcs[r] = i
	return i, nil
}

// call returns the opcode and operand for calling r with typeArgs.
func (t *tables) call(r env.FuncRef, typeArgs []env.Type) (binfmt.Opcode, uint16, error) {
	h, err := t.funcHandle(r)
	if err != nil {
		return 0, 0, err
	}
	if len(typeArgs) == 0 {
		return binfmt.OpCall, h, nil
	}
	args, err := t.signature(typeArgs)
	if err != nil {
		return 0, 0, err
	}
	key := strconv.Itoa(int(h)) + "/" + strconv.Itoa(int(args))
	if i, ok := t.finsts[key]; ok {
		return binfmt.OpCallGeneric, i, nil
	}
	i, err := index(len(t.m.FunctionInsts), "function instantiation")
	if err != nil {
		return 0, 0, err
	}
	t.m.FunctionInsts = append(t.m.FunctionInsts, binfmt.FunctionInst{Handle: h, TypeArgs: args})
	t.finsts[key] = i
	return binfmt.OpCallGeneric, i, nil
}

// structDef maps a struct of the compiled module to its definition index.
// Definitions mirror declaration order.
func (t *tables) structDef(r env.StructRef) (uint16, error) {
	if r.Module != t.mid {
		return 0, fmt.Errorf("struct %s is not declared in the compiled module", t.e.TypeString(env.StructOf(r)))
	}
	return index(r.Index, "struct definition")
}

// pack returns the opcode and operand for packing (or unpacking) r<typeArgs>.
func (t *tables) pack(unpack bool, r env.StructRef, typeArgs []env.Type) (binfmt.Opcode, uint16, error) {
	def, err := t.structDef(r)
	if err != nil {
		return 0, 0, err
	}
	plain, generic := binfmt.OpPack, binfmt.OpPackGeneric
	if unpack {
		plain, generic = binfmt.OpUnpack, binfmt.OpUnpackGeneric
	}
	if len(typeArgs) == 0 {
		return plain, def, nil
	}
	args, err := t.signature(typeArgs)
	if err != nil {
		return 0, 0, err
	}
	key := strconv.Itoa(int(def)) + "/" + strconv.Itoa(int(args))
	if i, ok := t.sinsts[key]; ok {
		return generic, i, nil
	}
	i, err := index(len(t.m.StructInsts), "struct instantiation")
	if err != nil {
		return 0, 0, err
	}
	t.m.StructInsts = append(t.m.StructInsts, binfmt.StructInst{Def: def, TypeArgs: args})
	t.sinsts[key] = i
	return generic, i, nil
}

func (t *tables) field(r env.StructRef, field int) (uint16, error) {
	def, err := t.structDef(r)
	if err != nil {
		return 0, err
	}
	key := [2]int{int(def), field}
	if i, ok := t.fields[key]; ok {
		return i, nil
	}
	f, err := safecast.Conv[uint16](field)
	if err != nil {
		return 0, fmt.Errorf("field %d: %w", field, err)
	}
	i, err := index(len(t.m.FieldHandles), "field handle")
	if err != nil {
		return 0, err
	}
	t.m.FieldHandles = append(t.m.FieldHandles, binfmt.FieldHandle{Owner: def, Field: f})
	t.fields[key] = i
	return i, nil
}

func (t *tables) constant(v env.Value) (uint16, error) {
	tok, err := t.token(v.Type)
	if err != nil {
		return 0, err
	}
	var data []byte
	switch v.Type.Kind {
	case env.TypeAddress:
		data = v.Addr[:]
	case env.TypeVector:
		data = v.Bytes
	default:
		return 0, fmt.Errorf("constant of type %s belongs in an immediate", t.e.TypeString(v.Type))
	}
	key := tokenKey(tok) + ":" + hex.EncodeToString(data)
	if i, ok := t.constants[key]; ok {
		return i, nil
	}
	i, err := index(len(t.m.Constants), "constant")
	if err != nil {
		return 0, err
	}
	t.m.Constants = append(t.m.Constants, binfmt.Constant{Type: tok, Data: append([]byte(nil), data...)})
	t.constants[key] = i
	return i, nil
}

func signatureKey(sig binfmt.Signature) string {
	parts := make([]string, len(sig))
	for i := range sig {
		parts[i] = tokenKey(sig[i])
	}
	return strings.Join(parts, ",")
}

func tokenKey(tok binfmt.SignatureToken) string {
	var b strings.Builder
	writeTokenKey(&b, tok)
	return b.String()
}

func writeTokenKey(b *strings.Builder, tok binfmt.SignatureToken) {
	b.WriteString(strconv.Itoa(int(tok.Kind)))
	switch tok.Kind {
	case binfmt.TokVector, binfmt.TokRef, binfmt.TokMutRef:
		b.WriteByte('(')
		writeTokenKey(b, tok.Inner())
		b.WriteByte(')')
	case binfmt.TokTypeParam:
		b.WriteByte('#')
		b.WriteString(strconv.Itoa(int(tok.Param)))
	case binfmt.TokStruct:
		b.WriteByte('s')
		b.WriteString(strconv.Itoa(int(tok.Handle)))
		if len(tok.Args) > 0 {
			b.WriteByte('<')
			for i, a := range tok.Args {
				if i > 0 {
					b.WriteByte(',')
				}
				writeTokenKey(b, a)
			}
			b.WriteByte('>')
		}
	}
}
