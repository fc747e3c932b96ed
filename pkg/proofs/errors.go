package proofs

import (
	"fmt"
	"net/http"

	xerrors "Aegis-Evaluator/internal/errors"
)

const (
	CodeEmptyTree       xerrors.Code = "EMPTY_TREE"
	CodeIndexOutOfRange xerrors.Code = "INDEX_OUT_OF_RANGE"
	CodeMalformedProof  xerrors.Code = "MALFORMED_PROOF"
)

var (
	// ErrEmptyTree is returned when a root or proof is requested from a tree without leaves.
	ErrEmptyTree = xerrors.New(CodeEmptyTree, "merkle tree has no leaves")
	// ErrIndexOutOfRange is returned when a leaf index is outside [0, size).
	ErrIndexOutOfRange = xerrors.New(CodeIndexOutOfRange, "leaf index out of range")
	// ErrMalformedProof marks structurally invalid proofs, as opposed to proofs that simply do not verify.
	ErrMalformedProof = xerrors.New(CodeMalformedProof, "malformed proof")
)

func init() {
	xerrors.Register(CodeEmptyTree, xerrors.Attributes{
		Message:    "merkle tree has no leaves",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeIndexOutOfRange, xerrors.Attributes{
		Message:    "leaf index out of range",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeMalformedProof, xerrors.Attributes{
		Message:    "malformed proof",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

func malformed(format string, args ...any) error {
	return xerrors.New(CodeMalformedProof, fmt.Sprintf(format, args...))
}

func malformedFeatures(f Features) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("confidence %d outside [%d,%d]", f.Confidence, MinConfidence, MaxConfidence))
}
