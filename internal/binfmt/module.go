package binfmt

import (
	"fmt"
	"strings"

	"movec/internal/env"
)

// FormatVersion is written into every module.
const FormatVersion = 1

type (
	ModuleHandleIndex   = uint16
	IdentifierIndex     = uint16
	AddressIndex        = uint16
	SignatureIndex      = uint16
	ConstantIndex       = uint16
	StructHandleIndex   = uint16
	StructDefIndex      = uint16
	FieldHandleIndex    = uint16
	FunctionHandleIndex = uint16
	FunctionDefIndex    = uint16
	StructInstIndex     = uint16
	FunctionInstIndex   = uint16
)

// TokenKind tags a SignatureToken.
type TokenKind uint8

const (
	TokInvalid TokenKind = iota
	TokBool
	TokU8
	TokU16
	TokU32
	TokU64
	TokU128
	TokU256
	TokAddress
	TokSigner
	TokVector
	TokStruct
	TokRef
	TokMutRef
	TokTypeParam
)

// SignatureToken is a type as stored in the binary format. Vector and both
// reference kinds use Elem; Struct uses Handle and Args; TypeParam uses Param.
type SignatureToken struct {
	Kind   TokenKind         `cbor:"1,keyasint"`
	Elem   *SignatureToken   `cbor:"2,keyasint,omitempty"`
	Handle StructHandleIndex `cbor:"3,keyasint,omitempty"`
	Args   []SignatureToken  `cbor:"4,keyasint,omitempty"`
	Param  uint16            `cbor:"5,keyasint,omitempty"`
}

func Prim(k TokenKind) SignatureToken { return SignatureToken{Kind: k} }

func VectorTok(elem SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokVector, Elem: &elem}
}

func RefTok(elem SignatureToken, mut bool) SignatureToken {
	k := TokRef
	if mut {
		k = TokMutRef
	}
	return SignatureToken{Kind: k, Elem: &elem}
}

func (t SignatureToken) IsRef() bool { return t.Kind == TokRef || t.Kind == TokMutRef }

func (t SignatureToken) IsInteger() bool { return t.Kind >= TokU8 && t.Kind <= TokU256 }

// Inner returns the element of a vector or reference.
func (t SignatureToken) Inner() SignatureToken {
	if t.Elem == nil {
		return SignatureToken{}
	}
	return *t.Elem
}

func (t SignatureToken) Equal(o SignatureToken) bool {
	if t.Kind != o.Kind || t.Handle != o.Handle || t.Param != o.Param || len(t.Args) != len(o.Args) {
		return false
	}
	if (t.Elem == nil) != (o.Elem == nil) || (t.Elem != nil && !t.Elem.Equal(*o.Elem)) {
		return false
	}
	for i := range t.Args {
		if !t.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Subst replaces type parameters with args.
func (t SignatureToken) Subst(args []SignatureToken) SignatureToken {
	switch t.Kind {
	case TokTypeParam:
		if int(t.Param) < len(args) {
			return args[t.Param]
		}
	case TokVector, TokRef, TokMutRef:
		inner := t.Elem.Subst(args)
		t.Elem = &inner
	case TokStruct:
		if len(t.Args) > 0 {
			out := make([]SignatureToken, len(t.Args))
			for i := range t.Args {
				out[i] = t.Args[i].Subst(args)
			}
			t.Args = out
		}
	}
	return t
}

// Signature is a list of types: parameters, results, locals or type arguments.
type Signature []SignatureToken

type ModuleHandle struct {
	Address AddressIndex    `cbor:"1,keyasint"`
	Name    IdentifierIndex `cbor:"2,keyasint"`
}

type TypeParam struct {
	Constraints env.AbilitySet `cbor:"1,keyasint"`
	Phantom     bool           `cbor:"2,keyasint,omitempty"`
}

type StructHandle struct {
	Module     ModuleHandleIndex `cbor:"1,keyasint"`
	Name       IdentifierIndex   `cbor:"2,keyasint"`
	Abilities  env.AbilitySet    `cbor:"3,keyasint"`
	TypeParams []TypeParam       `cbor:"4,keyasint,omitempty"`
}

type FieldDef struct {
	Name IdentifierIndex `cbor:"1,keyasint"`
	Type SignatureToken  `cbor:"2,keyasint"`
}

// StructDef defines a struct declared by this module. Native structs have no fields.
type StructDef struct {
	Handle StructHandleIndex `cbor:"1,keyasint"`
	Native bool              `cbor:"2,keyasint,omitempty"`
	Fields []FieldDef        `cbor:"3,keyasint,omitempty"`
}

type FieldHandle struct {
	Owner StructDefIndex `cbor:"1,keyasint"`
	Field uint16         `cbor:"2,keyasint"`
}

type StructInst struct {
	Def      StructDefIndex `cbor:"1,keyasint"`
	TypeArgs SignatureIndex `cbor:"2,keyasint"`
}

type FunctionHandle struct {
	Module     ModuleHandleIndex `cbor:"1,keyasint"`
	Name       IdentifierIndex   `cbor:"2,keyasint"`
	Params     SignatureIndex    `cbor:"3,keyasint"`
	Return     SignatureIndex    `cbor:"4,keyasint"`
	TypeParams []env.AbilitySet  `cbor:"5,keyasint,omitempty"`
}

type FunctionInst struct {
	Handle   FunctionHandleIndex `cbor:"1,keyasint"`
	TypeArgs SignatureIndex      `cbor:"2,keyasint"`
}

// CodeUnit is a function body. Locals lists the non-parameter slots; slot
// numbering starts with the parameters.
type CodeUnit struct {
	Locals SignatureIndex `cbor:"1,keyasint"`
	Code   []byte         `cbor:"2,keyasint"`
}

type FunctionDef struct {
	Handle     FunctionHandleIndex `cbor:"1,keyasint"`
	Visibility env.Visibility      `cbor:"2,keyasint"`
	Entry      bool                `cbor:"3,keyasint,omitempty"`
	Code       *CodeUnit           `cbor:"4,keyasint,omitempty"`
}

// Constant is a pool entry: a type plus its serialized value.
type Constant struct {
	Type SignatureToken `cbor:"1,keyasint"`
	Data []byte         `cbor:"2,keyasint"`
}

// Module is one compiled module. All cross references are table indices.
type Module struct {
	Version            uint32               `cbor:"1,keyasint"`
	Self               ModuleHandleIndex    `cbor:"2,keyasint"`
	ModuleHandles      []ModuleHandle       `cbor:"3,keyasint"`
	StructHandles      []StructHandle       `cbor:"4,keyasint,omitempty"`
	FunctionHandles    []FunctionHandle     `cbor:"5,keyasint,omitempty"`
	FieldHandles       []FieldHandle        `cbor:"6,keyasint,omitempty"`
	StructInsts        []StructInst         `cbor:"7,keyasint,omitempty"`
	FunctionInsts      []FunctionInst       `cbor:"8,keyasint,omitempty"`
	Signatures         []Signature          `cbor:"9,keyasint"`
	Identifiers        []string             `cbor:"10,keyasint"`
	AddressIdentifiers []env.AccountAddress `cbor:"11,keyasint"`
	Constants          []Constant           `cbor:"12,keyasint,omitempty"`
	StructDefs         []StructDef          `cbor:"13,keyasint,omitempty"`
	FunctionDefs       []FunctionDef        `cbor:"14,keyasint,omitempty"`
}

// Name returns the module's own identifier.
func (m *Module) Name() string {
	if int(m.Self) >= len(m.ModuleHandles) {
		return "<invalid>"
	}
	return m.identifier(m.ModuleHandles[m.Self].Name)
}

// Address returns the module's own account address.
func (m *Module) Address() env.AccountAddress {
	if int(m.Self) >= len(m.ModuleHandles) {
		return env.AccountAddress{}
	}
	h := m.ModuleHandles[m.Self]
	if int(h.Address) >= len(m.AddressIdentifiers) {
		return env.AccountAddress{}
	}
	return m.AddressIdentifiers[h.Address]
}

func (m *Module) identifier(i IdentifierIndex) string {
	if int(i) < len(m.Identifiers) {
		return m.Identifiers[i]
	}
	return fmt.Sprintf("<ident %d>", i)
}

// Signature returns the signature at i or nil when out of range.
func (m *Module) Signature(i SignatureIndex) Signature {
	if int(i) < len(m.Signatures) {
		return m.Signatures[i]
	}
	return nil
}

// FunctionName renders module::name for a handle.
func (m *Module) FunctionName(h FunctionHandleIndex) string {
	if int(h) >= len(m.FunctionHandles) {
		return fmt.Sprintf("<fn %d>", h)
	}
	fh := m.FunctionHandles[h]
	return m.moduleName(fh.Module) + "::" + m.identifier(fh.Name)
}

// StructName renders module::name for a handle.
func (m *Module) StructName(h StructHandleIndex) string {
	if int(h) >= len(m.StructHandles) {
		return fmt.Sprintf("<struct %d>", h)
	}
	sh := m.StructHandles[h]
	return m.moduleName(sh.Module) + "::" + m.identifier(sh.Name)
}

func (m *Module) moduleName(h ModuleHandleIndex) string {
	if int(h) >= len(m.ModuleHandles) {
		return fmt.Sprintf("<module %d>", h)
	}
	mh := m.ModuleHandles[h]
	addr := "<addr>"
	if int(mh.Address) < len(m.AddressIdentifiers) {
		addr = m.AddressIdentifiers[mh.Address].String()
	}
	return addr + "::" + m.identifier(mh.Name)
}

// TokenString renders a signature token with qualified struct names.
func (m *Module) TokenString(t SignatureToken) string {
	switch t.Kind {
	case TokBool:
		return "bool"
	case TokU8:
		return "u8"
	case TokU16:
		return "u16"
	case TokU32:
		return "u32"
	case TokU64:
		return "u64"
	case TokU128:
		return "u128"
	case TokU256:
		return "u256"
	case TokAddress:
		return "address"
	case TokSigner:
		return "signer"
	case TokVector:
		return "vector<" + m.TokenString(t.Inner()) + ">"
	case TokRef:
		return "&" + m.TokenString(t.Inner())
	case TokMutRef:
		return "&mut " + m.TokenString(t.Inner())
	case TokTypeParam:
		return fmt.Sprintf("#%d", t.Param)
	case TokStruct:
		name := m.StructName(t.Handle)
		if len(t.Args) == 0 {
			return name
		}
		parts := make([]string, len(t.Args))
		for i := range t.Args {
			parts[i] = m.TokenString(t.Args[i])
		}
		return name + "<" + strings.Join(parts, ", ") + ">"
	}
	return "<invalid>"
}

// Abilities computes the abilities of t given the constraints of the type
// parameters in scope. It mirrors env.Env.AbilitiesOf over table indices.
func (m *Module) Abilities(t SignatureToken, typeParams []env.AbilitySet) env.AbilitySet {
	const primitive = env.AbilityCopy | env.AbilityDrop | env.AbilityStore
	switch t.Kind {
	case TokBool, TokU8, TokU16, TokU32, TokU64, TokU128, TokU256, TokAddress:
		return primitive
	case TokSigner:
		return env.AbilityDrop
	case TokRef, TokMutRef:
		return env.AbilityCopy | env.AbilityDrop
	case TokVector:
		return m.Abilities(t.Inner(), typeParams) & primitive
	case TokTypeParam:
		if int(t.Param) < len(typeParams) {
			return typeParams[t.Param]
		}
		return env.AbilityNone
	case TokStruct:
		if int(t.Handle) >= len(m.StructHandles) {
			return env.AbilityNone
		}
		sh := m.StructHandles[t.Handle]
		abilities := sh.Abilities
		for i, arg := range t.Args {
			if i < len(sh.TypeParams) && sh.TypeParams[i].Phantom {
				continue
			}
			argAbilities := m.Abilities(arg, typeParams)
			for _, a := range []env.AbilitySet{env.AbilityCopy, env.AbilityDrop, env.AbilityStore, env.AbilityKey} {
				if abilities.Has(a) && !argAbilities.Has(a.RequiredForField()) {
					abilities &^= a
				}
			}
		}
		return abilities
	}
	return env.AbilityNone
}

// StructInstance resolves a Pack/Unpack operand to its definition and type arguments.
func (m *Module) StructInstance(op Opcode, idx uint16) (StructDefIndex, []SignatureToken, error) {
	switch op {
	case OpPack, OpUnpack:
		if int(idx) >= len(m.StructDefs) {
			return 0, nil, fmt.Errorf("struct definition %d out of range", idx)
		}
		return idx, nil, nil
	case OpPackGeneric, OpUnpackGeneric:
		if int(idx) >= len(m.StructInsts) {
			return 0, nil, fmt.Errorf("struct instantiation %d out of range", idx)
		}
		inst := m.StructInsts[idx]
		if int(inst.Def) >= len(m.StructDefs) || int(inst.TypeArgs) >= len(m.Signatures) {
			return 0, nil, fmt.Errorf("struct instantiation %d is malformed", idx)
		}
		return inst.Def, m.Signatures[inst.TypeArgs], nil
	}
	return 0, nil, fmt.Errorf("%s is not a struct instruction", op)
}

// CallTarget resolves a Call/CallGeneric operand to its handle and type arguments.
func (m *Module) CallTarget(op Opcode, idx uint16) (FunctionHandleIndex, []SignatureToken, error) {
	switch op {
	case OpCall:
		if int(idx) >= len(m.FunctionHandles) {
			return 0, nil, fmt.Errorf("function handle %d out of range", idx)
		}
		return idx, nil, nil
	case OpCallGeneric:
		if int(idx) >= len(m.FunctionInsts) {
			return 0, nil, fmt.Errorf("function instantiation %d out of range", idx)
		}
		inst := m.FunctionInsts[idx]
		if int(inst.Handle) >= len(m.FunctionHandles) || int(inst.TypeArgs) >= len(m.Signatures) {
			return 0, nil, fmt.Errorf("function instantiation %d is malformed", idx)
		}
		return inst.Handle, m.Signatures[inst.TypeArgs], nil
	}
	return 0, nil, fmt.Errorf("%s is not a call instruction", op)
}

// StackEffect resolves the pops and pushes of in. fn is the function whose
// code contains the instruction; Ret pops its declared results.
func (m *Module) StackEffect(fn *FunctionDef, in Instruction) (pops, pushes int, err error) {
	info := in.Op.Info()
	pops, pushes = info.Pops, info.Pushes
	switch in.Op {
	case OpRet:
		if int(fn.Handle) >= len(m.FunctionHandles) {
			return 0, 0, fmt.Errorf("function handle %d out of range", fn.Handle)
		}
		pops = len(m.Signature(m.FunctionHandles[fn.Handle].Return))
	case OpCall, OpCallGeneric:
		h, _, err := m.CallTarget(in.Op, in.Index)
		if err != nil {
			return 0, 0, err
		}
		fh := m.FunctionHandles[h]
		pops, pushes = len(m.Signature(fh.Params)), len(m.Signature(fh.Return))
	case OpPack, OpPackGeneric:
		def, _, err := m.StructInstance(in.Op, in.Index)
		if err != nil {
			return 0, 0, err
		}
		pops = len(m.StructDefs[def].Fields)
	case OpUnpack, OpUnpackGeneric:
		def, _, err := m.StructInstance(in.Op, in.Index)
		if err != nil {
			return 0, 0, err
		}
		pushes = len(m.StructDefs[def].Fields)
	}
	return pops, pushes, nil
}
