package types

import (
	"fmt"
)

const (
	// OPERATION_COMPILATION compiles the sources of a submission.
	OPERATION_COMPILATION OperationKind = "compile"

	// OPERATION_EVALUATION runs a compiled submission on one testcase.
	OPERATION_EVALUATION OperationKind = "evaluate"

	// OPERATION_USER_TEST_COMPILATION compiles the sources of a user test.
	OPERATION_USER_TEST_COMPILATION OperationKind = "compile_user_test"

	// OPERATION_USER_TEST_EVALUATION runs a compiled user test on the
	// user-provided input.
	OPERATION_USER_TEST_EVALUATION OperationKind = "evaluate_user_test"
)

var (
	// ValidOperationKinds lists the closed set of operation kinds. New
	// kinds require coordinated changes to dispatch and to the Job model.
	ValidOperationKinds = []OperationKind{
		OPERATION_COMPILATION,
		OPERATION_EVALUATION,
		OPERATION_USER_TEST_COMPILATION,
		OPERATION_USER_TEST_EVALUATION,
	}
)

// OperationKind distinguishes the stages of the grading pipeline.
type OperationKind string

// Valid returns true iff the kind is one of the closed set.
func (k OperationKind) Valid() bool {
	for _, v := range ValidOperationKinds {
		if k == v {
			return true
		}
	}
	return false
}

// ForSubmission returns true iff operations of this kind act on submissions,
// as opposed to user tests.
func (k OperationKind) ForSubmission() bool {
	return k == OPERATION_COMPILATION || k == OPERATION_EVALUATION
}

// IsEvaluation returns true iff operations of this kind act on a single
// testcase.
func (k OperationKind) IsEvaluation() bool {
	return k == OPERATION_EVALUATION || k == OPERATION_USER_TEST_EVALUATION
}

// Operation names one unit of work: run this stage for this object against
// this dataset. Operations are pure values; equality of all fields defines
// identity and is used as the deduplication key in the queue fabric.
type Operation struct {
	Kind OperationKind `json:"kind"`

	// ObjectID is the id of the submission or user test.
	ObjectID int64 `json:"objectId"`

	// DatasetID is the id of the dataset to judge against.
	DatasetID int64 `json:"datasetId"`

	// TestcaseCodename is set only for evaluation kinds.
	TestcaseCodename string `json:"testcaseCodename,omitempty"`
}

// Key returns a stable string usable as a deduplication key. Two Operations
// have the same Key iff they are equal.
func (o Operation) Key() string {
	return fmt.Sprintf("%s/%d/%d/%s", o.Kind, o.ObjectID, o.DatasetID, o.TestcaseCodename)
}

// String implements fmt.Stringer.
func (o Operation) String() string {
	if o.TestcaseCodename != "" {
		return fmt.Sprintf("%s(%d, %d, %q)", o.Kind, o.ObjectID, o.DatasetID, o.TestcaseCodename)
	}
	return fmt.Sprintf("%s(%d, %d)", o.Kind, o.ObjectID, o.DatasetID)
}
