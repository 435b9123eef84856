package delegate

import "github.com/pkg/errors"

// Error kinds reported by the delegate. Match them with errors.Is.
//
// ErrArity, ErrUnsupportedAllocation, ErrUnsupportedType and
// ErrUnsupportedAttribute reject a node during selection; during
// translation they mean selection and translation disagree and fail the
// kernel. ErrOrderingViolation, ErrCompilation and ErrMarshalSize are
// always fatal to the kernel.
var (
	ErrArity                 = errors.New("wrong number of inputs or outputs")
	ErrUnsupportedAllocation = errors.New("unsupported tensor allocation")
	ErrUnsupportedType       = errors.New("unsupported tensor type or quantization")
	ErrUnsupportedAttribute  = errors.New("unsupported operator attribute")
	ErrOrderingViolation     = errors.New("tensor consumed before it is produced")
	ErrCompilation           = errors.New("subgraph compilation failed")
	ErrMarshalSize           = errors.New("tensor byte size mismatch")
)

// ErrUnsupportedOperator rejects operators without a translation rule.
// It matches ErrUnsupportedAttribute: the operator kind is the attribute
// being rejected.
var ErrUnsupportedOperator = errors.Wrap(ErrUnsupportedAttribute, "operator has no translation rule")
