package capability

import (
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

var (
	nodeType   = reflect.TypeOf((*ast.Node)(nil)).Elem()
	astPkgPath = reflect.TypeOf(ast.Identifier{}).PkgPath()
)

// Infer walks the handler's syntax tree for the capabilities it appears to
// need. Only direct member accesses on the injected globals are seen, so
// computed keys and aliased globals are missed. Source that does not parse
// yields nothing; compilation reports the error.
func Infer(source string) []Token {
	prog, err := parser.ParseFile(nil, "", "(async function () {\n"+source+"\n})", 0)
	if err != nil {
		return nil
	}

	var out []Token
	seen := make(map[Token]bool)
	add := func(t Token) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	walk(reflect.ValueOf(prog), func(n ast.Node) {
		switch n := n.(type) {
		case *ast.DotExpression:
			switch globalName(n.Left) {
			case "$state":
				add(Read(string(n.Identifier.Name)))
			case "$ext":
				add(Ext(string(n.Identifier.Name)))
			}
		case *ast.BracketExpression:
			if key, ok := stringKey(n.Member); ok && globalName(n.Left) == "$state" {
				add(Read(key))
			}
		case *ast.AssignExpression:
			if key, ok := stateKey(n.Left); ok {
				add(Write(key))
			}
		case *ast.UnaryExpression:
			if n.Operator != token.INCREMENT && n.Operator != token.DECREMENT {
				return
			}
			if key, ok := stateKey(n.Operand); ok {
				add(Write(key))
			}
		case *ast.CallExpression:
			if globalName(n.Callee) == "$emit" && len(n.ArgumentList) > 0 {
				if name, ok := stringKey(n.ArgumentList[0]); ok {
					add(Emit(name))
				}
			}
			if dot, ok := n.Callee.(*ast.DotExpression); ok &&
				globalName(dot.Left) == "$emit" && dot.Identifier.Name == "toast" {
				add(Emit("toast"))
			}
		}
	})
	return out
}

// Precheck returns the inferred extension, event and state-write scopes that
// granted does not cover. Reads stay a runtime decision. The result is
// advisory: host calls enforce capabilities when they run.
func Precheck(source string, granted Set) []Token {
	var missing []Token
	for _, t := range Infer(source) {
		if t.Kind == StateRead {
			continue
		}
		if !granted.Check(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

func globalName(e ast.Expression) string {
	if id, ok := e.(*ast.Identifier); ok {
		return string(id.Name)
	}
	return ""
}

func stringKey(e ast.Expression) (string, bool) {
	if s, ok := e.(*ast.StringLiteral); ok {
		return string(s.Value), true
	}
	return "", false
}

func stateKey(e ast.Expression) (string, bool) {
	switch e := e.(type) {
	case *ast.DotExpression:
		if globalName(e.Left) == "$state" {
			return string(e.Identifier.Name), true
		}
	case *ast.BracketExpression:
		if globalName(e.Left) == "$state" {
			return stringKey(e.Member)
		}
	}
	return "", false
}

// walk visits every node reachable from v. The goja ast package has no
// visitor, so fields are followed by reflection, staying inside ast types.
func walk(v reflect.Value, visit func(ast.Node)) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			walk(v.Elem(), visit)
		}
	case reflect.Pointer:
		if v.IsNil() || v.Type().Elem().PkgPath() != astPkgPath {
			return
		}
		if v.Type().Implements(nodeType) {
			visit(v.Interface().(ast.Node))
		}
		walk(v.Elem(), visit)
	case reflect.Struct:
		if v.Type().PkgPath() != astPkgPath {
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				walk(v.Field(i), visit)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), visit)
		}
	}
}
