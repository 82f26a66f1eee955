package runner

import (
	"go/constant"
	"go/token"
	"path"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"ChainVoyager/internal/sandbox"
	"ChainVoyager/pkg/skillapi"
)

// Symbols is the capability package skills import as "voyager". Simulate and
// NewEnv stay out of reach, and every Env a skill builds itself is refused
// by SimulateTransaction and charged to the running invocation.
var Symbols = interp.Exports{
	"voyager/voyager": {
		"APIVersion":              reflect.ValueOf(constant.MakeFromLiteral(`"`+skillapi.APIVersion+`"`, token.STRING, 0)),
		"SingleTransactionMarker": reflect.ValueOf(constant.MakeFromLiteral(`"`+skillapi.SingleTransactionMarker+`"`, token.STRING, 0)),
		"ErrSingleTransaction":    reflect.ValueOf(skillapi.ErrSingleTransaction),

		"Env":         reflect.ValueOf((*skillapi.Env)(nil)),
		"Instruction": reflect.ValueOf((*skillapi.Instruction)(nil)),
		"Receipt":     reflect.ValueOf((*skillapi.Receipt)(nil)),
		"Snapshot":    reflect.ValueOf((*skillapi.Snapshot)(nil)),
		"Transaction": reflect.ValueOf((*skillapi.Transaction)(nil)),
	},
}

// stdlibFor keeps the interpreter's standard library to what policy permits.
func stdlibFor(policy sandbox.ImportPolicy) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		if policy.Permits(path.Dir(key)) {
			out[key] = syms
		}
	}
	return out
}
